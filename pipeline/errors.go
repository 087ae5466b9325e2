package pipeline

import (
	"errors"
	"fmt"

	"recipecheck/synthesis"
)

// Stage names a step of an order's analysis. Values appear in logs and metrics.
type Stage string

const (
	StageReceived      Stage = "RECEIVED"
	StageCanonicalized Stage = "CANONICALIZED"
	StageMatched       Stage = "MATCHED"
	StageRetrieving    Stage = "RETRIEVING"
	StageSynthesizing  Stage = "SYNTHESIZING"
	StagePersisted     Stage = "PERSISTED"
)

var (
	ErrValidation           = errors.New("order validation failed")
	// ErrRetrievalUnavailable is always reported together with
	// ErrSynthesisFailed.
	ErrRetrievalUnavailable = errors.New("reference retrieval unavailable")
	ErrSynthesisFailed      = synthesis.ErrSynthesisFailed
	ErrStorageUnavailable   = errors.New("order storage unavailable")
)

// StageError records which stage an analysis failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, kind, cause error) error {
	if errors.Is(cause, kind) {
		return &StageError{Stage: stage, Err: cause}
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// FailedStage returns the stage carried by err, or "" if none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
