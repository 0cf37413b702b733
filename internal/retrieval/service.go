// Package retrieval augments deep analysis with knowledge snippets from a
// pre-embedded corpus. Retrieval is strictly best-effort: a slow or broken
// provider yields an empty result set, never a failed analysis.
package retrieval

import (
	"context"
	"log"
	"time"
)

// Snippet is one ranked knowledge-base hit with source attribution.
type Snippet struct {
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	TheoryTag string  `json:"theory_tag"`
	Score     float64 `json:"score"`
}

// Searcher abstracts the vector search half so tests can fake it.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float64, limit int, scoreThreshold float64) ([]qdrantHit, error)
}

// Embedder abstracts the embedding half so tests can fake it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Service embeds a query and searches the knowledge collection.
type Service struct {
	embedder   Embedder
	searcher   Searcher
	collection string
	timeout    time.Duration
	logger     *log.Logger
}

// ServiceConfig holds configuration for the retrieval service.
type ServiceConfig struct {
	Embedder   Embedder
	Searcher   Searcher
	Collection string
	Timeout    time.Duration // whole-query budget, embed + search (default: 1500ms)
	Logger     *log.Logger
}

// NewService creates a retrieval service.
func NewService(cfg ServiceConfig) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Service{
		embedder:   cfg.Embedder,
		searcher:   cfg.Searcher,
		collection: cfg.Collection,
		timeout:    timeout,
		logger:     cfg.Logger,
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Query returns at most topK snippets scoring at or above scoreThreshold,
// ordered by descending score. Any provider error or timeout returns an
// empty slice.
func (s *Service) Query(ctx context.Context, text string, topK int, scoreThreshold float64) []Snippet {
	if text == "" || topK <= 0 || s.embedder == nil || s.searcher == nil {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vector, err := s.embedder.Embed(qctx, text)
	if err != nil {
		s.logf("retrieval: embed failed, continuing without context: %v", err)
		return nil
	}

	hits, err := s.searcher.Search(qctx, s.collection, vector, topK, scoreThreshold)
	if err != nil {
		s.logf("retrieval: search failed, continuing without context: %v", err)
		return nil
	}

	snippets := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		if h.Score < scoreThreshold {
			continue
		}
		snippets = append(snippets, Snippet{
			Content:   payloadString(h.Payload, "content"),
			Source:    payloadString(h.Payload, "source"),
			TheoryTag: payloadString(h.Payload, "theory_tag"),
			Score:     h.Score,
		})
		if len(snippets) == topK {
			break
		}
	}
	return snippets
}
