package synthesis

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Model is a generative text model.
type Model interface {
	Complete(ctx context.Context, prompt string, temperature float32) (string, error)
}

var (
	// ErrSynthesisFailed wraps every failure to obtain a complete report.
	ErrSynthesisFailed = errors.New("report synthesis failed")
	// ErrEmptyCompletion is returned when the model answers with no text.
	ErrEmptyCompletion = errors.New("model returned no text")
	// ErrBlocked is returned when the model refused to answer.
	ErrBlocked = errors.New("model response blocked")
)

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// IsTransient reports whether a model failure is worth retrying: an explicit
// TransientError, a deadline, or a gRPC status signalling overload.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var grpcErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &grpcErr) {
		switch grpcErr.GRPCStatus().Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}
	return false
}
