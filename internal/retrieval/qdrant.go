package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// QdrantClient performs nearest-neighbour search against Qdrant's REST API.
// Corpus ingestion is handled by an external pipeline; this client only reads.
type QdrantClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantClient creates a Qdrant REST client. An empty apiKey skips
// authentication, matching an unsecured local instance.
func NewQdrantClient(url, apiKey string, timeout time.Duration) *QdrantClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &QdrantClient{
		url:        strings.TrimSuffix(url, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type qdrantSearchRequest struct {
	Vector         []float64 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantHit `json:"result"`
	Status string      `json:"status"`
}

type qdrantHit struct {
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Search runs a vector query against the collection and returns the raw hits
// ordered by descending score.
func (q *QdrantClient) Search(ctx context.Context, collection string, vector []float64, limit int, scoreThreshold float64) ([]qdrantHit, error) {
	body, err := json.Marshal(qdrantSearchRequest{
		Vector:         vector,
		Limit:          limit,
		ScoreThreshold: scoreThreshold,
		WithPayload:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: marshal search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", q.url+"/collections/"+collection+"/points/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("qdrant: create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant: search status %d", resp.StatusCode)
	}

	var decoded qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}
	return decoded.Result, nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
