// Package synthesis turns an order and its reference passages into a report.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"recipecheck/types"
)

// DefaultTemperature keeps sampling close to deterministic.
const DefaultTemperature float32 = 0.2

// Synthesizer builds the prompt and calls the model once. Retrying is the
// caller's decision; see IsTransient.
type Synthesizer struct {
	model       Model
	temperature float32
	maxChars    int
}

type Option func(*Synthesizer)

func WithTemperature(t float32) Option {
	return func(s *Synthesizer) { s.temperature = t }
}

// WithMaxPromptChars sets the prompt bound. Zero or less disables it.
func WithMaxPromptChars(n int) Option {
	return func(s *Synthesizer) { s.maxChars = n }
}

func NewSynthesizer(model Model, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		model:       model,
		temperature: DefaultTemperature,
		maxChars:    DefaultMaxPromptChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize returns the model's text unmodified. Every failure wraps
// ErrSynthesisFailed and keeps the underlying cause for IsTransient.
func (s *Synthesizer) Synthesize(ctx context.Context, order types.Order, passages []types.Passage, asOf types.Date) (string, error) {
	prompt, err := BuildPrompt(order, passages, asOf, s.maxChars)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	text, err := s.model.Complete(ctx, prompt, s.temperature)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, ErrEmptyCompletion)
	}
	return text, nil
}
