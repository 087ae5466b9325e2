package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"recipecheck/types"
)

// ErrNotFound is returned by GetReport for an unknown order id.
var ErrNotFound = errors.New("order not found")

// AddOrderResult mirrors the /add_order response.
type AddOrderResult struct {
	Message        string `json:"message"`
	OrderID        int64  `json:"order_id"`
	ReportAnalysis string `json:"report_analysis"`
}

// Created reports whether the server stored a new order.
func (r AddOrderResult) Created() bool {
	return r.Message == "Order added"
}

// BatchItem is one entry of the /add_orders response.
type BatchItem struct {
	AddOrderResult
	Error string `json:"error,omitempty"`
}

// Report is an order's stored analysis.
type Report struct {
	ID             int64  `json:"id"`
	ReportAnalysis string `json:"report_analysis"`
}

// AddOrder submits one order and waits for its analysis.
func (c *Client) AddOrder(ctx context.Context, order types.Order) (*AddOrderResult, error) {
	var result AddOrderResult
	if err := c.doJSONRequest(ctx, http.MethodPost, "/add_order", order, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddOrders submits a batch. Per-item failures are reported in the items.
func (c *Client) AddOrders(ctx context.Context, orders []types.Order) ([]BatchItem, error) {
	var result []BatchItem
	if err := c.doJSONRequest(ctx, http.MethodPost, "/add_orders", orders, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListOrders returns the ids of all stored orders in ascending order.
func (c *Client) ListOrders(ctx context.Context) ([]int64, error) {
	var result []struct {
		ID int64 `json:"id"`
	}
	if err := c.doJSONRequest(ctx, http.MethodGet, "/get_orders", nil, &result); err != nil {
		return nil, err
	}
	ids := make([]int64, len(result))
	for i, r := range result {
		ids[i] = r.ID
	}
	return ids, nil
}

// GetReport fetches the stored report of one order.
func (c *Client) GetReport(ctx context.Context, id int64) (*Report, error) {
	var result Report
	err := c.doJSONRequest(ctx, http.MethodGet, fmt.Sprintf("/process_order/%d", id), nil, &result)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}
