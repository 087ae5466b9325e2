package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipecheck/deduplication"
	"recipecheck/store"
	"recipecheck/synthesis"
	"recipecheck/types"
)

func orderWithCode(code string) types.Order {
	return types.Order{
		StdTriangleCode1:      code,
		StdTriangleCode2:      "DEF",
		RecipeTriangleCode1:   "R1",
		RecipeTriangleCode2:   "R2",
		RecipeTypeCode:        "BULK",
		FastnessType:          "Light",
		ArticleDyeCheckResult: "Pass",
		CheckDyeTriangle:      "Y",
		NoOfStages:            3,
		MaxRecipeAgeInDays:    180,
		LastUpdateDate:        types.NewDate(2024, time.March, 1),
		StandardSavedDate:     types.NewDate(2024, time.February, 15),
		MinNoOfLots:           2,
		MaxDeltaE:             1.2,
		MaxDeltaL:             0.8,
		MaxDeltaC:             0.6,
		MaxDeltaH:             0.5,
		NoOfMatchingLots:      4,
		DEOfAverage:           0.9,
		DLOfAverage:           0.3,
		DCOfAverage:           0.2,
		DHOfAverage:           0.1,
	}
}

type fakeRetriever struct {
	err   error
	delay time.Duration

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, k int) ([]types.Passage, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return []types.Passage{{ID: "p1", Content: "Step 1: compare delta E with tolerance"}}, nil
}

type fakeSynthesizer struct {
	mu     sync.Mutex
	errs   []error // returned in order before succeeding
	calls  int
	asOf   []types.Date
	report func(order types.Order) string
	hook   func()
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, order types.Order, passages []types.Passage, asOf types.Date) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.asOf = append(f.asOf, asOf)
	var err error
	if call <= len(f.errs) {
		err = f.errs[call-1]
	}
	f.mu.Unlock()

	if f.hook != nil {
		f.hook()
	}
	if err != nil {
		return "", err
	}
	if f.report != nil {
		return f.report(order), nil
	}
	return fmt.Sprintf("report #%d for %s", call, order.StdTriangleCode1), nil
}

func (f *fakeSynthesizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFilter struct {
	mu         sync.Mutex
	absent     bool // always answer "definitely absent"
	remembered []string
}

func (f *fakeFilter) MightContain(ctx context.Context, key deduplication.CanonicalKey) (bool, error) {
	return !f.absent, nil
}

func (f *fakeFilter) Remember(ctx context.Context, key deduplication.CanonicalKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remembered = append(f.remembered, key.Hash())
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	records []types.StoredOrder
}

func (f *fakeArchive) Archive(ctx context.Context, rec types.StoredOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type failingStore struct {
	store.OrderStore
}

func (failingStore) FindByKey(ctx context.Context, key deduplication.CanonicalKey) (types.StoredOrder, bool, error) {
	return types.StoredOrder{}, false, fmt.Errorf("find order: %w: %w", store.ErrUnavailable, errors.New("connection reset"))
}

type harness struct {
	analyzer *Analyzer
	store    *store.MemoryStore
	ret      *fakeRetriever
	synth    *fakeSynthesizer
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		ret:   &fakeRetriever{},
		synth: &fakeSynthesizer{},
	}
	deps := Deps{
		Store:       h.store,
		Retriever:   h.ret,
		Synthesizer: h.synth,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         func() time.Time { return time.Date(2024, time.June, 30, 15, 0, 0, 0, time.UTC) },
	}
	opts := DefaultOptions()
	opts.Retry.BackoffBase = time.Millisecond
	opts.Retry.MaxBackoff = 5 * time.Millisecond
	if mutate != nil {
		mutate(&deps, &opts)
	}
	a, err := New(deps, opts)
	require.NoError(t, err)
	h.analyzer = a
	return h
}

func TestSubmitThenResubmitEquivalentOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.analyzer.Submit(ctx, orderWithCode("ABC"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.OrderID)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.ReportAnalysis)

	second, err := h.analyzer.Submit(ctx, orderWithCode(" abc "))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.OrderID)
	assert.False(t, second.Created)
	assert.Equal(t, first.ReportAnalysis, second.ReportAnalysis)
	assert.True(t, first.Key.Equal(second.Key))

	assert.Equal(t, 1, h.synth.Calls())
	assert.Equal(t, int32(1), h.ret.calls.Load())
	assert.Equal(t, []types.Date{types.NewDate(2024, time.June, 30)}, h.synth.asOf)

	ids, err := h.store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSubmitRejectsInvalidOrder(t *testing.T) {
	h := newHarness(t, nil)
	order := orderWithCode("ABC")
	order.NoOfStages = -1

	_, err := h.analyzer.Submit(context.Background(), order)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, types.ErrInvalidOrder)
	assert.Equal(t, StageReceived, FailedStage(err))
	assert.Zero(t, h.ret.calls.Load())
	assert.Zero(t, h.synth.Calls())
}

func TestSubmitDoesNotPersistWithoutReport(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Synthesizer = &fakeSynthesizer{errs: []error{fmt.Errorf("%w: quota exhausted", synthesis.ErrSynthesisFailed)}}
	})

	_, err := h.analyzer.Submit(context.Background(), orderWithCode("ABC"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSynthesisFailed)
	assert.Equal(t, StageSynthesizing, FailedStage(err))

	ids, err := h.store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubmitRetrievalFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Retriever = &fakeRetriever{err: errors.New("chroma: connection refused")}
	})

	_, err := h.analyzer.Submit(context.Background(), orderWithCode("ABC"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.ErrorIs(t, err, ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StageRetrieving, FailedStage(err))
	assert.Zero(t, h.synth.Calls())

	ids, err := h.store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubmitStorageFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Store = failingStore{}
	})

	_, err := h.analyzer.Submit(context.Background(), orderWithCode("ABC"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Zero(t, h.synth.Calls())
}

func TestSubmitRetriesTransientSynthesisFailures(t *testing.T) {
	synth := &fakeSynthesizer{errs: []error{
		fmt.Errorf("%w: %w", synthesis.ErrSynthesisFailed, synthesis.NewTransientError(errors.New("503"))),
	}}
	h := newHarness(t, func(d *Deps, o *Options) { d.Synthesizer = synth })

	res, err := h.analyzer.Submit(context.Background(), orderWithCode("ABC"))
	require.NoError(t, err)
	assert.Equal(t, "report #2 for ABC", res.ReportAnalysis)
	assert.Equal(t, 2, synth.Calls())
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	transient := synthesis.NewTransientError(errors.New("503"))
	synth := &fakeSynthesizer{errs: []error{transient, transient, transient, transient}}
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Synthesizer = synth
		o.Retry.MaxAttempts = 3
	})

	_, err := h.analyzer.Submit(context.Background(), orderWithCode("ABC"))
	assert.ErrorIs(t, err, ErrSynthesisFailed)
	assert.True(t, synthesis.IsTransient(err))
	assert.Equal(t, 3, synth.Calls())
}

func TestConcurrentEquivalentSubmissionsStoreOneRecord(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Retriever = &fakeRetriever{delay: 20 * time.Millisecond}
	})

	codes := []string{"ABC", " abc", "Abc ", "aBc", "ABC\t"}
	const perCode = 4
	results := make(chan *Result, len(codes)*perCode)
	var wg sync.WaitGroup
	for _, code := range codes {
		for i := 0; i < perCode; i++ {
			wg.Add(1)
			go func(code string) {
				defer wg.Done()
				res, err := h.analyzer.Submit(context.Background(), orderWithCode(code))
				if !assert.NoError(t, err) {
					return
				}
				results <- res
			}(code)
		}
	}
	wg.Wait()
	close(results)

	var created int
	var first *Result
	for res := range results {
		if first == nil {
			first = res
		}
		assert.Equal(t, first.OrderID, res.OrderID)
		assert.Equal(t, first.ReportAnalysis, res.ReportAnalysis)
		if res.Created {
			created++
		}
	}
	require.NotNil(t, first)
	assert.Equal(t, 1, created)

	ids, err := h.store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestStaleFilterFallsBackToStoredWinner(t *testing.T) {
	filter := &fakeFilter{absent: true}
	h := newHarness(t, func(d *Deps, o *Options) { d.Filter = filter })
	ctx := context.Background()

	order := orderWithCode("ABC")
	id, err := h.store.Insert(ctx, order, deduplication.Canonicalize(order), "stored earlier")
	require.NoError(t, err)

	res, err := h.analyzer.Submit(ctx, orderWithCode("abc"))
	require.NoError(t, err)
	assert.Equal(t, id, res.OrderID)
	assert.Equal(t, "stored earlier", res.ReportAnalysis)
	assert.False(t, res.Created)

	ids, err := h.store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Len(t, filter.remembered, 1)
}

func TestStaleFilterNeverTriggersAnalysisOfStoredOrder(t *testing.T) {
	filter := &fakeFilter{absent: true}
	synth := &fakeSynthesizer{errs: []error{fmt.Errorf("%w: quota exhausted", synthesis.ErrSynthesisFailed)}}
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Filter = filter
		d.Synthesizer = synth
	})
	ctx := context.Background()

	order := orderWithCode("ABC")
	id, err := h.store.Insert(ctx, order, deduplication.Canonicalize(order), "stored earlier")
	require.NoError(t, err)

	res, err := h.analyzer.Submit(ctx, orderWithCode(" abc "))
	require.NoError(t, err)
	assert.Equal(t, id, res.OrderID)
	assert.Equal(t, "stored earlier", res.ReportAnalysis)
	assert.False(t, res.Created)

	assert.Zero(t, synth.Calls())
	assert.Zero(t, h.ret.calls.Load())
	assert.Equal(t, []string{res.Key.Hash()}, filter.remembered)
}

func TestFilterHitStillConsultsStore(t *testing.T) {
	filter := &fakeFilter{}
	h := newHarness(t, func(d *Deps, o *Options) { d.Filter = filter })

	res, err := h.analyzer.Submit(context.Background(), orderWithCode("NEW"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{res.Key.Hash()}, filter.remembered)
}

func TestCallerCancellationAfterSynthesisStillPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := &fakeSynthesizer{hook: cancel}
	h := newHarness(t, func(d *Deps, o *Options) { d.Synthesizer = synth })

	_, _ = h.analyzer.Submit(ctx, orderWithCode("ABC"))

	// Submit may return on cancellation before the detached insert lands.
	require.Eventually(t, func() bool {
		ids, err := h.store.ListIDs(context.Background())
		return err == nil && len(ids) == 1 && ids[0] == 1
	}, 2*time.Second, 5*time.Millisecond)

	res, err := h.analyzer.Submit(context.Background(), orderWithCode("abc"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, synth.Calls())
}

func TestConcurrentAnalysesAreBounded(t *testing.T) {
	ret := &fakeRetriever{delay: 20 * time.Millisecond}
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Retriever = ret
		o.MaxConcurrentAnalyses = 2
	})

	orders := make([]types.Order, 8)
	for i := range orders {
		orders[i] = orderWithCode(fmt.Sprintf("CODE-%d", i))
	}
	results := h.analyzer.SubmitBatch(context.Background(), orders)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, ret.maxSeen.Load(), int32(2))
	assert.Equal(t, int32(8), ret.calls.Load())
}

func TestSubmitBatchKeepsInputOrder(t *testing.T) {
	h := newHarness(t, nil)
	invalid := orderWithCode("BAD")
	invalid.LastUpdateDate = types.Date{}

	results := h.analyzer.SubmitBatch(context.Background(), []types.Order{
		orderWithCode("ONE"), invalid, orderWithCode("TWO"), orderWithCode("ONE "),
	})
	require.Len(t, results, 4)

	require.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrValidation)
	require.NoError(t, results[2].Err)
	require.NoError(t, results[3].Err)

	assert.Contains(t, results[0].Result.ReportAnalysis, "ONE")
	assert.Contains(t, results[2].Result.ReportAnalysis, "TWO")
	assert.Equal(t, results[0].Result.OrderID, results[3].Result.OrderID)
	assert.NotEqual(t, results[0].Result.OrderID, results[2].Result.OrderID)
}

func TestArchiveAndMetrics(t *testing.T) {
	archive := &fakeArchive{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Archive = archive
		d.Metrics = metrics
	})
	ctx := context.Background()

	_, err := h.analyzer.Submit(ctx, orderWithCode("ABC"))
	require.NoError(t, err)
	_, err = h.analyzer.Submit(ctx, orderWithCode("abc"))
	require.NoError(t, err)
	bad := orderWithCode("X")
	bad.StandardSavedDate = types.Date{}
	_, err = h.analyzer.Submit(ctx, bad)
	require.Error(t, err)

	require.Len(t, archive.records, 1)
	assert.Equal(t, int64(1), archive.records[0].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submissions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submissions.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues(string(StageReceived))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.modelCalls))
}

func TestAnalyzerReadAccessors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ids, err := h.analyzer.OrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	res, err := h.analyzer.Submit(ctx, orderWithCode("ABC"))
	require.NoError(t, err)

	report, found, err := h.analyzer.Report(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, res.ReportAnalysis, report)

	_, found, err = h.analyzer.Report(ctx, 99)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	assert.Error(t, err)
	_, err = New(Deps{Store: store.NewMemoryStore()}, DefaultOptions())
	assert.Error(t, err)
}
