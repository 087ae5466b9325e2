package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipecheck/deduplication"
	"recipecheck/types"
)

func testOrder(code string) types.Order {
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

// runOrderStoreContract exercises behaviour every backend must share. The
// store must be empty and codes must be unique to the calling test.
func runOrderStoreContract(t *testing.T, s OrderStore, prefix string) {
	t.Helper()
	ctx := context.Background()

	first := testOrder(prefix + "-abc")
	key := deduplication.Canonicalize(first)

	_, found, err := s.FindByKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	id, err := s.Insert(ctx, first, key, "report one")
	require.NoError(t, err)
	assert.Positive(t, id)

	// Same order up to case and whitespace.
	again := first
	again.StdTriangleCode1 = "  " + prefix + "-ABC "
	againKey := deduplication.Canonicalize(again)

	stored, found, err := s.FindByKey(ctx, againKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, stored.ID)
	assert.Equal(t, "report one", stored.ReportAnalysis)
	assert.Equal(t, first.StdTriangleCode1, stored.StdTriangleCode1)
	assert.Equal(t, first.LastUpdateDate.String(), stored.LastUpdateDate.String())
	assert.Equal(t, first.MaxDeltaE, stored.MaxDeltaE)

	_, err = s.Insert(ctx, again, againKey, "report two")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	second := testOrder(prefix + "-xyz")
	id2, err := s.Insert(ctx, second, deduplication.Canonicalize(second), "report three")
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	report, found, err := s.GetReport(ctx, id2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "report three", report)

	_, found, err = s.GetReport(ctx, id2+1000)
	require.NoError(t, err)
	assert.False(t, found)

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)
	assert.Contains(t, ids, id2)
	assert.IsIncreasing(t, ids)
}

func TestMemoryStoreContract(t *testing.T) {
	runOrderStoreContract(t, NewMemoryStore(), "mem")
}

func TestMemoryStoreListIDsEmpty(t *testing.T) {
	ids, err := NewMemoryStore().ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryStoreConcurrentInsertSameKey(t *testing.T) {
	s := NewMemoryStore()
	order := testOrder("ABC")
	key := deduplication.Canonicalize(order)

	const workers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Insert(context.Background(), order, key, fmt.Sprintf("report %d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateKey):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, duplicates)

	ids, err := s.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.FindByKey(ctx, deduplication.Canonicalize(testOrder("A")))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
