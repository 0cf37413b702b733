package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenEstimator counts prompt tokens locally. The heuristic fallback path
// never reaches a provider, so usage metered for it relies on this estimate
// instead of provider-reported counts.
type TokenEstimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewTokenEstimator creates an estimator backed by the cl100k_base encoding,
// which covers the chat model families the engine targets.
func NewTokenEstimator() *TokenEstimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Estimation degrades to the length heuristic below.
		codec = nil
	}
	return &TokenEstimator{codec: codec}
}

// Estimate returns the approximate token count of text.
func (e *TokenEstimator) Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	codec := e.codec
	e.mu.Unlock()
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return int64(n)
		}
	}
	// Rough rule of thumb when the tokenizer is unavailable.
	return int64(len(text)/4 + 1)
}

// EstimateMessages sums the token estimate across chat messages plus the
// small per-message framing overhead.
func (e *TokenEstimator) EstimateMessages(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += e.Estimate(m.Content) + 4
	}
	return total
}
