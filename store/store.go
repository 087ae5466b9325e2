// Package store persists analysed orders keyed by their canonical key.
package store

import (
	"context"
	"errors"
	"fmt"

	"recipecheck/deduplication"
	"recipecheck/types"
)

var (
	// ErrDuplicateKey is returned by Insert when an order with the same
	// canonical key already exists.
	ErrDuplicateKey = errors.New("order with this canonical key already exists")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("order store unavailable")
)

// OrderStore is the durable record of analysed orders. Records are written
// once and never updated.
type OrderStore interface {
	// FindByKey returns the stored order whose canonical key equals key.
	FindByKey(ctx context.Context, key deduplication.CanonicalKey) (types.StoredOrder, bool, error)
	// Insert stores a new order with its report and returns the assigned ID.
	Insert(ctx context.Context, order types.Order, key deduplication.CanonicalKey, report string) (int64, error)
	// GetReport returns the report for id; false means no such order.
	GetReport(ctx context.Context, id int64) (string, bool, error)
	// ListIDs returns all stored IDs in ascending order.
	ListIDs(ctx context.Context) ([]int64, error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
