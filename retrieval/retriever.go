// Package retrieval finds the reference passages most similar to an order.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"recipecheck/types"
)

var (
	// ErrCorpusUnavailable means the reference corpus is unreachable, missing
	// or empty. The service must not start without it.
	ErrCorpusUnavailable = errors.New("reference corpus unavailable")
	// ErrQueryFailed wraps failures of an individual similarity query.
	ErrQueryFailed = errors.New("reference query failed")
)

// VectorClient is the read-only view of a vector index the Retriever needs.
type VectorClient interface {
	Count(ctx context.Context) (int, error)
	QuerySimilar(ctx context.Context, queryText string, nResults int) (*QueryResults, error)
}

// Retriever returns reference passages for a query text, nearest first.
type Retriever struct {
	client VectorClient
	size   int
}

// NewRetriever checks that the corpus is reachable and not empty.
func NewRetriever(ctx context.Context, client VectorClient) (*Retriever, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: no vector client", ErrCorpusUnavailable)
	}
	n, err := client.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnavailable, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: collection is empty", ErrCorpusUnavailable)
	}
	return &Retriever{client: client, size: n}, nil
}

// CorpusSize is the document count observed at construction.
func (r *Retriever) CorpusSize() int {
	return r.size
}

// Retrieve returns at most k passages ordered by ascending distance, ties
// broken by passage ID. The same query against the same corpus always
// yields the same passages in the same order.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]types.Passage, error) {
	if k <= 0 {
		return []types.Passage{}, nil
	}
	res, err := r.client.QuerySimilar(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	passages := flattenResults(res)
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Distance != passages[j].Distance {
			return passages[i].Distance < passages[j].Distance
		}
		return passages[i].ID < passages[j].ID
	})
	if len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

// flattenResults converts the first query row of a Chroma response.
func flattenResults(res *QueryResults) []types.Passage {
	if res == nil || len(res.IDs) == 0 {
		return []types.Passage{}
	}
	ids := res.IDs[0]
	passages := make([]types.Passage, 0, len(ids))
	for i, id := range ids {
		p := types.Passage{ID: id}
		if len(res.Documents) > 0 && i < len(res.Documents[0]) {
			p.Content = res.Documents[0][i]
		}
		if len(res.Distances) > 0 && i < len(res.Distances[0]) {
			p.Distance = res.Distances[0][i]
		}
		if len(res.Metadatas) > 0 && i < len(res.Metadatas[0]) {
			p.Metadata = res.Metadatas[0][i]
		}
		passages = append(passages, p)
	}
	return passages
}
