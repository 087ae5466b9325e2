package types

// Passage is a unit of reference text returned by similarity search.
type Passage struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Distance float32        `json:"distance"` // lower is more similar
	Metadata map[string]any `json:"metadata,omitempty"`
}
