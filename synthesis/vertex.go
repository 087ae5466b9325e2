package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// DefaultVertexModel is the Gemini model used when none is configured.
const DefaultVertexModel = "gemini-1.5-flash"

// VertexModel calls Gemini through Vertex AI.
type VertexModel struct {
	client    *genai.Client
	modelName string
}

func NewVertexModel(ctx context.Context, projectID, region, modelName string) (*VertexModel, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexModel: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultVertexModel
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexModel{client: client, modelName: modelName}, nil
}

// Complete sends prompt as a single user turn. A fresh GenerativeModel is
// built per call so concurrent callers never share generation settings.
func (v *VertexModel) Complete(ctx context.Context, prompt string, temperature float32) (string, error) {
	model := v.client.GenerativeModel(v.modelName)
	model.SetTemperature(temperature)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("%w: %v", ErrBlocked, blocked)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := extractText(resp)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (v *VertexModel) ModelName() string { return v.modelName }

func (v *VertexModel) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
