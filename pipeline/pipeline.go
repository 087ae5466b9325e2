// Package pipeline runs an order through deduplication, retrieval, report
// synthesis and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"recipecheck/deduplication"
	"recipecheck/store"
	"recipecheck/synthesis"
	"recipecheck/types"
)

// Retriever returns the k reference passages nearest to query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]types.Passage, error)
}

// Synthesizer produces the report text for an order.
type Synthesizer interface {
	Synthesize(ctx context.Context, order types.Order, passages []types.Passage, asOf types.Date) (string, error)
}

// KeyFilter is a probabilistic set of stored canonical keys. Its answers
// are advisory; the store is always consulted.
type KeyFilter interface {
	MightContain(ctx context.Context, key deduplication.CanonicalKey) (bool, error)
	Remember(ctx context.Context, key deduplication.CanonicalKey) error
}

// ReportArchive keeps a copy of every newly stored report.
type ReportArchive interface {
	Archive(ctx context.Context, rec types.StoredOrder) error
}

// Deps are the Analyzer's collaborators. Store, Retriever and Synthesizer
// are required; the rest may be nil.
type Deps struct {
	Store       store.OrderStore
	Retriever   Retriever
	Synthesizer Synthesizer
	Filter      KeyFilter
	Archive     ReportArchive
	Metrics     *Metrics
	Logger      *slog.Logger
	// Now supplies the as-of date given to the model. Defaults to time.Now.
	Now func() time.Time
}

type Options struct {
	// TopK is the number of reference passages per order.
	TopK int
	// MaxConcurrentAnalyses bounds orders in retrieval or synthesis at once.
	MaxConcurrentAnalyses int64
	// BatchConcurrency bounds SubmitBatch workers.
	BatchConcurrency int
	Retry            RetryConfig
	// PersistTimeout bounds the insert and follow-up writes, which run
	// detached from the caller's cancellation.
	PersistTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		TopK:                  4,
		MaxConcurrentAnalyses: 4,
		BatchConcurrency:      10,
		Retry:                 DefaultRetryConfig(),
		PersistTimeout:        30 * time.Second,
	}
}

func applyOptionDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxConcurrentAnalyses <= 0 {
		opts.MaxConcurrentAnalyses = def.MaxConcurrentAnalyses
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = def.BatchConcurrency
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = def.PersistTimeout
	}
	return opts
}

// Result is the outcome of a successful submission.
type Result struct {
	OrderID        int64                      `json:"order_id"`
	ReportAnalysis string                     `json:"report_analysis"`
	Created        bool                       `json:"created"`
	Key            deduplication.CanonicalKey `json:"-"`
}

// Analyzer is safe for concurrent use.
type Analyzer struct {
	store   store.OrderStore
	ret     Retriever
	synth   Synthesizer
	filter  KeyFilter
	archive ReportArchive
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	opts    Options

	sem     *semaphore.Weighted
	flights singleflight.Group
}

func New(deps Deps, opts Options) (*Analyzer, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: order store is required")
	}
	if deps.Retriever == nil {
		return nil, errors.New("pipeline: retriever is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	opts = applyOptionDefaults(opts)

	return &Analyzer{
		store:   deps.Store,
		ret:     deps.Retriever,
		synth:   deps.Synthesizer,
		filter:  deps.Filter,
		archive: deps.Archive,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     deps.Now,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrentAnalyses),
	}, nil
}

// Submit analyses order, or returns the stored analysis of an equivalent
// order. Field-equivalent submissions always resolve to one stored record.
func (a *Analyzer) Submit(ctx context.Context, order types.Order) (*Result, error) {
	logCtx := a.logger.With("stage", StageReceived)
	if err := order.Validate(); err != nil {
		a.metrics.observeFailure(StageReceived)
		logCtx.Info("Order rejected", "error", err)
		return nil, &StageError{Stage: StageReceived, Err: fmt.Errorf("%w: %w", ErrValidation, err)}
	}

	key := deduplication.Canonicalize(order)
	hash := key.Hash()
	logCtx = a.logger.With("order_key", hash[:12])
	logCtx.Info("Order canonicalized", "stage", StageCanonicalized)

	for {
		leader := false
		ch := a.flights.DoChan(hash, func() (interface{}, error) {
			leader = true
			return a.analyze(ctx, logCtx, order, key)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The leading caller went away; this caller is still
				// waiting and takes over.
				if !leader && isContextErr(r.Err) && ctx.Err() == nil {
					continue
				}
				a.metrics.observeFailure(FailedStage(r.Err))
				return nil, r.Err
			}
			res := *r.Val.(*Result)
			if !leader {
				res.Created = false
			}
			a.metrics.observeOutcome(res.Created)
			return &res, nil
		}
	}
}

func (a *Analyzer) analyze(ctx context.Context, logCtx *slog.Logger, order types.Order, key deduplication.CanonicalKey) (*Result, error) {
	if rec, found, err := a.lookup(ctx, logCtx, key); err != nil {
		return nil, err
	} else if found {
		logCtx.Info("Order already analysed", "stage", StageMatched, "order_id", rec.ID)
		return &Result{OrderID: rec.ID, ReportAnalysis: rec.ReportAnalysis, Created: false, Key: key}, nil
	}

	report, err := a.produceReport(ctx, logCtx, order)
	if err != nil {
		return nil, err
	}

	// A finished report is persisted even if the caller has gone away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.PersistTimeout)
	defer cancel()
	return a.persist(persistCtx, logCtx, order, key, report)
}

// lookup always asks the store. The filter is advisory: a definite miss
// that the store contradicts means the filter is stale, so the key is
// remembered again.
func (a *Analyzer) lookup(ctx context.Context, logCtx *slog.Logger, key deduplication.CanonicalKey) (types.StoredOrder, bool, error) {
	filterMiss := false
	if a.filter != nil {
		maybe, err := a.filter.MightContain(ctx, key)
		if err != nil {
			logCtx.Warn("Key filter unavailable", "error", err)
		}
		filterMiss = err == nil && !maybe
	}
	rec, found, err := a.store.FindByKey(ctx, key)
	if err != nil {
		return types.StoredOrder{}, false, stageErr(StageCanonicalized, ErrStorageUnavailable, err)
	}
	if found && filterMiss {
		logCtx.Warn("Key filter missed a stored order, reseeding", "order_id", rec.ID)
		a.remember(ctx, logCtx, key)
	}
	return rec, found, nil
}

func (a *Analyzer) produceReport(ctx context.Context, logCtx *slog.Logger, order types.Order) (string, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", &StageError{Stage: StageRetrieving, Err: err}
	}
	defer a.sem.Release(1)
	a.metrics.trackInFlight(1)
	defer a.metrics.trackInFlight(-1)

	logCtx.Info("Retrieving reference passages", "stage", StageRetrieving, "top_k", a.opts.TopK)
	start := time.Now()
	passages, err := a.ret.Retrieve(ctx, order.QueryText(), a.opts.TopK)
	a.metrics.observeStage(StageRetrieving, start)
	if err != nil {
		logCtx.Error("Retrieval failed", "error", err)
		// No report can be produced without references, so this is also a
		// synthesis failure.
		return "", &StageError{Stage: StageRetrieving, Err: fmt.Errorf("%w: %w: %w", ErrSynthesisFailed, ErrRetrievalUnavailable, err)}
	}

	asOf := types.DateOf(a.now())
	logCtx.Info("Synthesizing report", "stage", StageSynthesizing, "passages", len(passages), "as_of", asOf.String())
	start = time.Now()
	defer a.metrics.observeStage(StageSynthesizing, start)

	for attempt := 1; ; attempt++ {
		a.metrics.observeModelCall()
		report, err := a.synth.Synthesize(ctx, order, passages, asOf)
		if err == nil {
			return report, nil
		}
		if attempt >= a.opts.Retry.MaxAttempts || !synthesis.IsTransient(err) {
			logCtx.Error("Synthesis failed", "attempt", attempt, "error", err)
			return "", stageErr(StageSynthesizing, ErrSynthesisFailed, err)
		}
		wait := a.opts.Retry.backoff(attempt)
		logCtx.Warn("Synthesis failed, retrying", "attempt", attempt, "max_attempts", a.opts.Retry.MaxAttempts, "backoff", wait, "error", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return "", &StageError{Stage: StageSynthesizing, Err: err}
		}
	}
}

func (a *Analyzer) persist(ctx context.Context, logCtx *slog.Logger, order types.Order, key deduplication.CanonicalKey, report string) (*Result, error) {
	id, err := a.store.Insert(ctx, order, key, report)
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost the race to an equivalent order; return the winner.
		rec, found, ferr := a.store.FindByKey(ctx, key)
		if ferr != nil {
			return nil, stageErr(StagePersisted, ErrStorageUnavailable, ferr)
		}
		if !found {
			return nil, stageErr(StagePersisted, ErrStorageUnavailable, fmt.Errorf("duplicate key reported but no record found: %w", err))
		}
		logCtx.Info("Equivalent order stored concurrently", "stage", StageMatched, "order_id", rec.ID)
		a.remember(ctx, logCtx, key)
		return &Result{OrderID: rec.ID, ReportAnalysis: rec.ReportAnalysis, Created: false, Key: key}, nil
	}
	if err != nil {
		logCtx.Error("Insert failed", "error", err)
		return nil, stageErr(StagePersisted, ErrStorageUnavailable, err)
	}

	logCtx.Info("Order stored", "stage", StagePersisted, "order_id", id)
	a.remember(ctx, logCtx, key)
	if a.archive != nil {
		rec := types.StoredOrder{Order: order, ID: id, ReportAnalysis: report, CreatedAt: a.now().UTC()}
		if err := a.archive.Archive(ctx, rec); err != nil {
			logCtx.Warn("Report archive failed", "order_id", id, "error", err)
		}
	}
	return &Result{OrderID: id, ReportAnalysis: report, Created: true, Key: key}, nil
}

func (a *Analyzer) remember(ctx context.Context, logCtx *slog.Logger, key deduplication.CanonicalKey) {
	if a.filter == nil {
		return
	}
	if err := a.filter.Remember(ctx, key); err != nil {
		logCtx.Warn("Key filter update failed", "error", err)
	}
}

// Report returns the stored report for id; false means no such order.
func (a *Analyzer) Report(ctx context.Context, id int64) (string, bool, error) {
	report, found, err := a.store.GetReport(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return report, found, nil
}

// OrderIDs lists stored order IDs in ascending order.
func (a *Analyzer) OrderIDs(ctx context.Context) ([]int64, error) {
	ids, err := a.store.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return ids, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
