// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"recipecheck/pipeline"
	"recipecheck/synthesis"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Port     string
	LogLevel string

	StoreBackend        string
	PostgresDSN         string
	PostgresAutoMigrate bool
	FirestoreProject    string

	ChromaHost       string
	ChromaPort       int
	ChromaURL        string
	ChromaCollection string
	EmbeddingModel   string

	VertexProject string
	VertexRegion  string
	VertexModel   string

	TopK                  int
	MaxConcurrentAnalyses int64
	BatchConcurrency      int
	MaxPromptChars        int
	Temperature           float32
	Retry                 pipeline.RetryConfig
	PersistTimeout        time.Duration

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Profile   string
	S3Endpoint  string
	S3PathStyle bool
	GCSBucket   string
	GCSPrefix   string

	KafkaBrokers      []string
	KafkaOrdersTopic  string
	KafkaResultsTopic string
	KafkaGroupID      string
}

// Load reads .env if present (non-fatal if missing) and then the process
// environment. Malformed numbers are reported rather than silently defaulted.
func Load() (*Config, error) {
	_ = godotenv.Load()

	opts := pipeline.DefaultOptions()
	p := &parser{}
	cfg := &Config{
		Port:     getEnvOrDefault("PORT", DefaultPort),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),

		StoreBackend:        strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory)),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		PostgresAutoMigrate: p.getBool("POSTGRES_AUTOMIGRATE", false),
		FirestoreProject:    getEnvOrDefault("FIRESTORE_PROJECT", os.Getenv("GOOGLE_CLOUD_PROJECT")),

		ChromaHost:       getEnvOrDefault("CHROMA_HOST", DefaultChromaHost),
		ChromaPort:       p.getInt("CHROMA_PORT", DefaultChromaPort),
		ChromaURL:        os.Getenv("CHROMA_URL"),
		ChromaCollection: getEnvOrDefault("CHROMA_COLLECTION", DefaultCollection),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),

		VertexProject: getEnvOrDefault("VERTEX_PROJECT", os.Getenv("GOOGLE_CLOUD_PROJECT")),
		VertexRegion:  getEnvOrDefault("VERTEX_REGION", DefaultVertexRegion),
		VertexModel:   getEnvOrDefault("VERTEX_MODEL", synthesis.DefaultVertexModel),

		TopK:                  p.getInt("TOP_K", opts.TopK),
		MaxConcurrentAnalyses: int64(p.getInt("MAX_CONCURRENT_ANALYSES", int(opts.MaxConcurrentAnalyses))),
		BatchConcurrency:      p.getInt("BATCH_CONCURRENCY", opts.BatchConcurrency),
		MaxPromptChars:        p.getInt("MAX_PROMPT_CHARS", synthesis.DefaultMaxPromptChars),
		Temperature:           float32(p.getFloat("TEMPERATURE", float64(synthesis.DefaultTemperature))),
		Retry: pipeline.RetryConfig{
			MaxAttempts:       p.getInt("RETRY_MAX_ATTEMPTS", opts.Retry.MaxAttempts),
			BackoffBase:       p.getDuration("RETRY_BACKOFF_BASE", opts.Retry.BackoffBase),
			BackoffMultiplier: p.getFloat("RETRY_BACKOFF_MULTIPLIER", opts.Retry.BackoffMultiplier),
			MaxBackoff:        p.getDuration("RETRY_MAX_BACKOFF", opts.Retry.MaxBackoff),
		},
		PersistTimeout: p.getDuration("PERSIST_TIMEOUT", opts.PersistTimeout),

		S3Bucket:    strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Prefix:    strings.Trim(strings.TrimSpace(os.Getenv("S3_PREFIX")), "/"),
		S3Region:    strings.TrimSpace(os.Getenv("S3_REGION")),
		S3Profile:   strings.TrimSpace(os.Getenv("S3_PROFILE")),
		S3Endpoint:  strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3PathStyle: p.getBool("S3_USE_PATH_STYLE", false),
		GCSBucket:   strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSPrefix:   strings.Trim(strings.TrimSpace(os.Getenv("GCS_PREFIX")), "/"),

		KafkaBrokers:      splitList(getEnvOrDefault("KAFKA_BOOTSTRAP_SERVERS", DefaultKafkaBrokers)),
		KafkaOrdersTopic:  getEnvOrDefault("KAFKA_ORDERS_TOPIC", DefaultOrdersTopic),
		KafkaResultsTopic: DefaultResultsTopic,
		KafkaGroupID:      getEnvOrDefault("KAFKA_GROUP_ID", DefaultGroupID),
	}
	// An explicitly empty results topic disables result publishing.
	if v, set := os.LookupEnv("KAFKA_RESULTS_TOPIC"); set {
		cfg.KafkaResultsTopic = strings.TrimSpace(v)
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case StoreFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q (want memory, postgres or firestore)", c.StoreBackend))
	}
	if c.VertexProject == "" {
		errs = append(errs, errors.New("VERTEX_PROJECT or GOOGLE_CLOUD_PROJECT is required"))
	}
	if c.TopK < 1 {
		errs = append(errs, errors.New("TOP_K must be at least 1"))
	}
	if c.MaxConcurrentAnalyses < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_ANALYSES must be at least 1"))
	}
	if c.BatchConcurrency < 1 {
		errs = append(errs, errors.New("BATCH_CONCURRENCY must be at least 1"))
	}
	if c.MaxPromptChars < 1 {
		errs = append(errs, errors.New("MAX_PROMPT_CHARS must be positive"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, errors.New("TEMPERATURE must be between 0 and 2"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// PipelineOptions converts the settings into pipeline options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		TopK:                  c.TopK,
		MaxConcurrentAnalyses: c.MaxConcurrentAnalyses,
		BatchConcurrency:      c.BatchConcurrency,
		Retry:                 c.Retry,
		PersistTimeout:        c.PersistTimeout,
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects malformed values so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

// getDuration accepts Go durations ("2s") or a bare number of seconds.
func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
