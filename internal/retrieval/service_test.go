package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeEmbedder struct {
	vector []float64
	err    error
	delay  time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.vector, f.err
}

type fakeSearcher struct {
	hits []qdrantHit
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, collection string, vector []float64, limit int, threshold float64) ([]qdrantHit, error) {
	return f.hits, f.err
}

func TestQueryRanksAndFilters(t *testing.T) {
	svc := NewService(ServiceConfig{
		Embedder: &fakeEmbedder{vector: []float64{0.1, 0.2}},
		Searcher: &fakeSearcher{hits: []qdrantHit{
			{Score: 0.91, Payload: map[string]interface{}{"content": "grounding exercise", "source": "CBT handbook", "theory_tag": "cbt"}},
			{Score: 0.74, Payload: map[string]interface{}{"content": "reflective listening", "source": "Rogers 1957", "theory_tag": "person-centered"}},
			{Score: 0.40, Payload: map[string]interface{}{"content": "below threshold", "source": "x"}},
		}},
		Collection: "knowledge",
	})

	snippets := svc.Query(context.Background(), "client anxiety spike", 5, 0.6)
	if len(snippets) != 2 {
		t.Fatalf("expected 2 snippets above threshold, got %d", len(snippets))
	}
	if snippets[0].Score < snippets[1].Score {
		t.Fatalf("snippets not ordered by descending score")
	}
	if snippets[0].Source != "CBT handbook" || snippets[0].TheoryTag != "cbt" {
		t.Fatalf("payload attribution lost: %+v", snippets[0])
	}
}

func TestQueryCapsAtTopK(t *testing.T) {
	hits := make([]qdrantHit, 10)
	for i := range hits {
		hits[i] = qdrantHit{Score: 0.9, Payload: map[string]interface{}{"content": "c"}}
	}
	svc := NewService(ServiceConfig{
		Embedder:   &fakeEmbedder{vector: []float64{1}},
		Searcher:   &fakeSearcher{hits: hits},
		Collection: "knowledge",
	})
	if got := len(svc.Query(context.Background(), "q", 3, 0)); got != 3 {
		t.Fatalf("expected topK=3 snippets, got %d", got)
	}
}

func TestQueryReturnsEmptyOnProviderError(t *testing.T) {
	svc := NewService(ServiceConfig{
		Embedder:   &fakeEmbedder{err: errors.New("embedding backend down")},
		Searcher:   &fakeSearcher{},
		Collection: "knowledge",
	})
	if got := svc.Query(context.Background(), "q", 3, 0.5); got != nil {
		t.Fatalf("expected nil on embed failure, got %v", got)
	}

	svc = NewService(ServiceConfig{
		Embedder:   &fakeEmbedder{vector: []float64{1}},
		Searcher:   &fakeSearcher{err: errors.New("qdrant unreachable")},
		Collection: "knowledge",
	})
	if got := svc.Query(context.Background(), "q", 3, 0.5); got != nil {
		t.Fatalf("expected nil on search failure, got %v", got)
	}
}

func TestQueryReturnsEmptyOnTimeout(t *testing.T) {
	svc := NewService(ServiceConfig{
		Embedder:   &fakeEmbedder{vector: []float64{1}, delay: 200 * time.Millisecond},
		Searcher:   &fakeSearcher{hits: []qdrantHit{{Score: 0.9}}},
		Collection: "knowledge",
		Timeout:    20 * time.Millisecond,
	})
	if got := svc.Query(context.Background(), "q", 3, 0.5); got != nil {
		t.Fatalf("expected nil when the budget is exceeded, got %v", got)
	}
}
