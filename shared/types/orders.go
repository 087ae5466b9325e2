// Package types holds the message payloads exchanged over Kafka.
package types

import "recipecheck/types"

// OrderMessage is an order submitted through the order-requests topic.
type OrderMessage struct {
	// RequestID correlates the result message. A uuid is assigned when empty.
	RequestID string      `json:"request_id"`
	Order     types.Order `json:"order"`
}

// ResultStatus is the outcome reported for an order message.
type ResultStatus string

const (
	ResultAdded   ResultStatus = "added"
	ResultExisted ResultStatus = "existed"
	ResultFailed  ResultStatus = "failed"
)

// ResultMessage is published to the order-results topic once an order
// message has been handled.
type ResultMessage struct {
	RequestID      string       `json:"request_id"`
	Status         ResultStatus `json:"status"`
	OrderID        int64        `json:"order_id,omitempty"`
	ReportAnalysis string       `json:"report_analysis,omitempty"`
	Stage          string       `json:"stage,omitempty"`
	Error          *string      `json:"error,omitempty"`
}
