// Package archive copies stored reports to object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"recipecheck/types"
)

// Document is the archived JSON object for one stored order.
type Document struct {
	OrderID        int64       `json:"order_id"`
	Order          types.Order `json:"order"`
	ReportAnalysis string      `json:"report_analysis"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ObjectKey returns the object name for an order under prefix. Zero padding
// keeps lexical listing in ID order.
func ObjectKey(prefix string, id int64) string {
	return path.Join(prefix, "orders", fmt.Sprintf("%010d.json", id))
}

func encode(rec types.StoredOrder) ([]byte, error) {
	return json.MarshalIndent(Document{
		OrderID:        rec.ID,
		Order:          rec.Order,
		ReportAnalysis: rec.ReportAnalysis,
		CreatedAt:      rec.CreatedAt,
	}, "", "  ")
}

// Archiver stores one order document.
type Archiver interface {
	Archive(ctx context.Context, rec types.StoredOrder) error
}

// Multi writes to every archiver and joins their errors.
type Multi []Archiver

func (m Multi) Archive(ctx context.Context, rec types.StoredOrder) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
