package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"recipecheck/archive"
	"recipecheck/config"
	"recipecheck/deduplication"
	"recipecheck/pipeline"
	"recipecheck/retrieval"
	"recipecheck/store"
	"recipecheck/synthesis"
)

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	analyzer *pipeline.Analyzer
	registry *prometheus.Registry
	closers  []func() error
}

func (a *app) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// newApp connects every backend named by cfg and builds the analyzer.
// Optional backends that fail to connect are logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	orders, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.addCloser(orders.Close)

	embedder := retrieval.NewDefaultEmbeddingsProvider(cfg.EmbeddingModel)
	chroma, err := retrieval.NewChroma(ctx, retrieval.ChromaConfig{
		Host:           cfg.ChromaHost,
		Port:           cfg.ChromaPort,
		BaseURL:        cfg.ChromaURL,
		CollectionName: cfg.ChromaCollection,
	}, embedder)
	if err != nil {
		return nil, err
	}
	a.addCloser(chroma.Close)

	retriever, err := retrieval.NewRetriever(ctx, chroma)
	if err != nil {
		return nil, err
	}
	logger.Info("Reference corpus ready", "collection", cfg.ChromaCollection, "passages", retriever.CorpusSize())

	model, err := synthesis.NewVertexModel(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.VertexModel)
	if err != nil {
		return nil, fmt.Errorf("failed to init vertex model: %w", err)
	}
	a.addCloser(model.Close)
	synth := synthesis.NewSynthesizer(model,
		synthesis.WithTemperature(cfg.Temperature),
		synthesis.WithMaxPromptChars(cfg.MaxPromptChars),
	)

	deps := pipeline.Deps{
		Store:       orders,
		Retriever:   retriever,
		Synthesizer: synth,
		Metrics:     pipeline.NewMetrics(a.registry),
		Logger:      logger,
	}

	if bloomCfg := deduplication.BloomConfigFromEnv(); bloomCfg != nil {
		bloom, err := deduplication.NewRedisBloom(ctx, *bloomCfg)
		if err != nil {
			logger.Warn("Known-key filter disabled", "error", err)
		} else {
			a.addCloser(bloom.Close)
			deps.Filter = bloom
		}
	}

	archives := openArchives(ctx, cfg, logger, a)
	if len(archives) > 0 {
		deps.Archive = archives
	}

	a.analyzer, err = pipeline.New(deps, cfg.PipelineOptions())
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.OrderStore, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN, AutoMigrate: cfg.PostgresAutoMigrate})
	case config.StoreFirestore:
		return store.NewFirestoreStore(ctx, store.FirestoreConfig{ProjectID: cfg.FirestoreProject})
	case config.StoreMemory:
		slog.Warn("Using in-memory order store; orders are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openArchives(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) archive.Multi {
	var out archive.Multi
	if cfg.S3Bucket != "" {
		s3a, err := archive.NewS3Archive(ctx, archive.S3Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Profile:      cfg.S3Profile,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			logger.Warn("S3 archive disabled", "error", err)
		} else {
			out = append(out, s3a)
		}
	}
	if cfg.GCSBucket != "" {
		gcs, err := archive.NewGCSArchive(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			logger.Warn("GCS archive disabled", "error", err)
		} else {
			a.addCloser(gcs.Close)
			out = append(out, gcs)
		}
	}
	return out
}
