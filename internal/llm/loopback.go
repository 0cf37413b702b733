package llm

import (
	"context"
	"errors"
	"strings"
)

// Ensure LoopbackClient implements Client.
var _ Client = (*LoopbackClient)(nil)

// LoopbackClient fabricates deterministic completions without a network
// dependency. It is the default provider in dev environments and keeps the
// engine exercisable end to end when no API key is configured.
type LoopbackClient struct{}

// NewLoopbackClient creates a LoopbackClient instance.
func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{}
}

// Generate echoes the last user message back to the caller.
func (c *LoopbackClient) Generate(ctx context.Context, req Request) (Result, error) {
	if len(req.Messages) == 0 {
		return Result{}, errors.New("loopback: no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			message = req.Messages[i]
			break
		}
	}

	text := "[loopback] " + strings.TrimSpace(message.Content)
	return Result{
		Text:         text,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     int64(len(req.Messages) * 10),
			CompletionTokens: int64(len(text) / 4),
		},
		Provider: "loopback",
	}, nil
}
