package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Candidate is one ANN search hit.
type Candidate struct {
	CustomerID string
	Score      float64
	VIP        bool
}

// SimilaritySearch is the gallery of enrolled face embeddings.
type SimilaritySearch interface {
	// TopK returns up to k nearest gallery entries by cosine similarity,
	// best first. ef is the HNSW search width.
	TopK(ctx context.Context, embedding []float32, k, ef int) ([]Candidate, error)
	// Upsert writes a refreshed gallery embedding for a customer.
	Upsert(ctx context.Context, customerID string, embedding []float32, vip bool) error
}

const searchTimeout = 500 * time.Millisecond

// QdrantSearch talks to a Qdrant collection over its REST API.
type QdrantSearch struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

func NewQdrantSearch(baseURL, apiKey, collection string) *QdrantSearch {
	return &QdrantSearch{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: searchTimeout},
	}
}

type qdrantSearchRequest struct {
	Vector      []float32      `json:"vector"`
	Limit       int            `json:"limit"`
	Params      map[string]int `json:"params"`
	WithPayload bool           `json:"with_payload"`
}

type qdrantHit struct {
	Score   float64 `json:"score"`
	Payload struct {
		CustomerID string `json:"customer_id"`
		VIP        bool   `json:"vip"`
	} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantHit `json:"result"`
	Status string      `json:"status"`
}

func (q *QdrantSearch) TopK(ctx context.Context, embedding []float32, k, ef int) ([]Candidate, error) {
	body := qdrantSearchRequest{
		Vector:      embedding,
		Limit:       k,
		Params:      map[string]int{"hnsw_ef": ef},
		WithPayload: true,
	}
	var resp qdrantSearchResponse
	url := fmt.Sprintf("%s/collections/%s/points/search", q.baseURL, q.collection)
	if err := q.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(resp.Result))
	for _, h := range resp.Result {
		if h.Payload.CustomerID == "" {
			continue
		}
		out = append(out, Candidate{
			CustomerID: h.Payload.CustomerID,
			Score:      h.Score,
			VIP:        h.Payload.VIP,
		})
	}
	return out, nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (q *QdrantSearch) Upsert(ctx context.Context, customerID string, embedding []float32, vip bool) error {
	// Point ids must be UUIDs; derive one deterministically so repeated
	// upserts for a customer overwrite the same point.
	pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(customerID)).String()
	body := map[string]any{
		"points": []qdrantPoint{{
			ID:     pointID,
			Vector: embedding,
			Payload: map[string]any{
				"customer_id": customerID,
				"vip":         vip,
			},
		}},
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=false", q.baseURL, q.collection)
	return q.do(ctx, http.MethodPut, url, body, nil)
}

func (q *QdrantSearch) do(ctx context.Context, method, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal similarity request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("similarity search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("similarity search status %d: %s", resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode similarity response: %w", err)
	}
	return nil
}

// BreakerSearch wraps a SimilaritySearch in a circuit breaker so a dead ANN
// backend fails fast instead of stacking 500ms timeouts per candidate.
type BreakerSearch struct {
	inner SimilaritySearch
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerSearch(inner SimilaritySearch) *BreakerSearch {
	return &BreakerSearch{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "similarity-search",
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (b *BreakerSearch) TopK(ctx context.Context, embedding []float32, k, ef int) ([]Candidate, error) {
	res, err := b.cb.Execute(func() (any, error) {
		start := time.Now()
		c, err := b.inner.TopK(ctx, embedding, k, ef)
		if err == nil {
			metricSearchLatency.Observe(time.Since(start).Seconds())
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return res.([]Candidate), nil
}

func (b *BreakerSearch) Upsert(ctx context.Context, customerID string, embedding []float32, vip bool) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Upsert(ctx, customerID, embedding, vip)
	})
	return err
}
