// Package llm defines the contract with generation providers. The engine
// only depends on the Client interface; concrete adapters translate to a
// provider wire format.
package llm

import "context"

// Message follows the role/content chat schema shared by the providers we
// target.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request captures one generation call. MaxOutputTokens bounds the
// completion so quick feedback can run under a tight budget.
type Request struct {
	Model           string
	Messages        []Message
	MaxOutputTokens int
	Temperature     *float64
}

// Usage carries the provider-reported token accounting for a single call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
}

// Result is the outcome of a generation call. FinishReason is passed through
// verbatim so the validator can detect truncated output.
type Result struct {
	Text         string
	FinishReason string
	Usage        Usage
	Provider     string
}

// Client is implemented by provider adapters.
type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
