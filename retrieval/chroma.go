package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Chroma is a read-only client for one collection of the Chroma v2 REST API.
// Query embeddings are computed client-side.
type Chroma struct {
	baseURL        string
	tenant         string
	database       string
	collectionName string
	collectionID   string
	httpClient     *http.Client
	embedder       EmbeddingsProvider
}

// ChromaConfig holds configuration for Chroma connection
type ChromaConfig struct {
	Host           string
	Port           int
	BaseURL        string // overrides Host and Port, e.g. http://chroma:8000/api/v2
	Tenant         string
	Database       string
	CollectionName string
	Timeout        time.Duration
}

// QueryResults represents the response from a similarity query
type QueryResults struct {
	IDs       [][]string                 `json:"ids"`
	Distances [][]float32                `json:"distances"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Documents [][]string                 `json:"documents"`
}

// NewChroma resolves the configured collection. It never creates one: the
// reference corpus is maintained by a separate ingestion process.
func NewChroma(ctx context.Context, config ChromaConfig, embedder EmbeddingsProvider) (*Chroma, error) {
	if embedder == nil {
		return nil, fmt.Errorf("no embeddings provider configured. Set COHERE_API_KEY or OPENAI_API_KEY to enable client-side embeddings required by Chroma v2")
	}
	if config.CollectionName == "" {
		return nil, errors.New("chroma collection name must be provided")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d/api/v2", config.Host, config.Port)
	}
	if config.Tenant == "" {
		config.Tenant = "default_tenant"
	}
	if config.Database == "" {
		config.Database = "default_database"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	c := &Chroma{
		baseURL:        baseURL,
		tenant:         config.Tenant,
		database:       config.Database,
		collectionName: config.CollectionName,
		httpClient:     &http.Client{Timeout: config.Timeout},
		embedder:       embedder,
	}
	slog.Info("Using embeddings provider", "model", embedder.ModelName())

	id, err := c.lookupCollection(ctx)
	if err != nil {
		return nil, err
	}
	c.collectionID = id
	return c, nil
}

func (c *Chroma) lookupCollection(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/tenants/%s/databases/%s/collections/%s", c.baseURL, c.tenant, c.database, c.collectionName)
	var result struct {
		ID string `json:"id"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, url, nil, &result)
	if status == http.StatusNotFound {
		return "", fmt.Errorf("%w: collection %s not found", ErrCorpusUnavailable, c.collectionName)
	}
	if err != nil {
		return "", fmt.Errorf("%w: get collection %s: %w", ErrCorpusUnavailable, c.collectionName, err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("collection %s has no id", c.collectionName)
	}
	slog.Info("Using existing collection", "collection", c.collectionName, "id", result.ID)
	return result.ID, nil
}

// collectionURL returns the base URL for collection operations
func (c *Chroma) collectionURL() string {
	return fmt.Sprintf("%s/tenants/%s/databases/%s/collections/%s", c.baseURL, c.tenant, c.database, c.collectionID)
}

// Count returns the number of documents in the collection
func (c *Chroma) Count(ctx context.Context) (int, error) {
	var count int
	if _, err := c.doJSON(ctx, http.MethodGet, c.collectionURL()+"/count", nil, &count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// QuerySimilar embeds queryText and returns the nResults nearest documents.
func (c *Chroma) QuerySimilar(ctx context.Context, queryText string, nResults int) (*QueryResults, error) {
	embs, err := c.embedder.EmbedTexts(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embeddings: %w", err)
	}
	payload := map[string]interface{}{
		"query_embeddings": embs,
		"n_results":        nResults,
		"include":          []string{"metadatas", "documents", "distances"},
	}

	var result QueryResults
	if _, err := c.doJSON(ctx, http.MethodPost, c.collectionURL()+"/query", payload, &result); err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	return &result, nil
}

// Close is a no-op kept so Chroma can be released like other backends.
func (c *Chroma) Close() error {
	return nil
}

// doJSON sends payload (if any) as JSON and decodes a 2xx response into
// result. The HTTP status is returned whenever a response was received.
func (c *Chroma) doJSON(ctx context.Context, method, url string, payload, result interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
	}
	if result == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
