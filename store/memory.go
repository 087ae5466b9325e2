package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"recipecheck/deduplication"
	"recipecheck/types"
)

// MemoryStore keeps orders in process memory. It is meant for development
// and tests; everything is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	byKey  map[string]int64
	orders map[int64]types.StoredOrder
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]int64),
		orders: make(map[int64]types.StoredOrder),
		nextID: 1,
		now:    time.Now,
	}
}

func (m *MemoryStore) FindByKey(ctx context.Context, key deduplication.CanonicalKey) (types.StoredOrder, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.StoredOrder{}, false, unavailable("find order", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key.Hash()]
	if !ok {
		return types.StoredOrder{}, false, nil
	}
	return m.orders[id], true, nil
}

func (m *MemoryStore) Insert(ctx context.Context, order types.Order, key deduplication.CanonicalKey, report string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("insert order", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := key.Hash()
	if _, exists := m.byKey[hash]; exists {
		return 0, ErrDuplicateKey
	}
	id := m.nextID
	m.nextID++
	m.byKey[hash] = id
	m.orders[id] = types.StoredOrder{
		Order:          order,
		ID:             id,
		ReportAnalysis: report,
		CreatedAt:      m.now().UTC(),
	}
	return id, nil
}

func (m *MemoryStore) GetReport(ctx context.Context, id int64) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, unavailable("get report", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.orders[id]
	if !ok {
		return "", false, nil
	}
	return rec.ReportAnalysis, true, nil
}

func (m *MemoryStore) ListIDs(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list orders", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }
