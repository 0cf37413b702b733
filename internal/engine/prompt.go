package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/careloop/careloop-engine/internal/llm"
	"github.com/careloop/careloop-engine/internal/retrieval"
	"github.com/careloop/careloop-engine/internal/safety"
)

const quickSystemPrompt = `You are coaching a counselor during a live session.
Reply with one short actionable cue for the counselor, at most a few words.
Reply with the cue only, no preamble and no quotes.`

const deepSystemPrompt = `You are a clinical supervisor reviewing a live counseling transcript.
Respond with a single JSON object and nothing else, using this shape:
{"level":"green|yellow|red","summary":"...","alerts":["..."],"suggestions":["..."],"confidence":0.0}
level reflects client risk. Keep summary and each suggestion concise.`

func quickPrompt(window string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: quickSystemPrompt},
		{Role: "user", Content: "Recent transcript:\n" + window},
	}
}

func deepPrompt(window string, snippets []retrieval.Snippet, maxSuggestions int) []llm.Message {
	var b strings.Builder
	b.WriteString("Recent transcript:\n")
	b.WriteString(window)
	if len(snippets) > 0 {
		b.WriteString("\n\nReference material:\n")
		for i, s := range snippets {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, s.Source, s.Content)
		}
	}
	fmt.Fprintf(&b, "\nProvide at most %d suggestions.", maxSuggestions)
	return []llm.Message{
		{Role: "system", Content: deepSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// deepOutput is the structured result contract for the deep flow.
type deepOutput struct {
	Level       safety.Level `json:"level"`
	Summary     string       `json:"summary"`
	Alerts      []string     `json:"alerts"`
	Suggestions []string     `json:"suggestions"`
	Confidence  float64      `json:"confidence"`
}

// parseDeepOutput decodes the provider's JSON reply, tolerating surrounding
// prose or markdown fences by extracting the outermost object.
func parseDeepOutput(text string) (deepOutput, error) {
	raw := extractJSON(text)
	if raw == "" {
		return deepOutput{}, fmt.Errorf("no JSON object in output")
	}
	var out deepOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return deepOutput{}, fmt.Errorf("decode deep output: %w", err)
	}
	if !out.Level.Valid() {
		return deepOutput{}, fmt.Errorf("unknown level %q", out.Level)
	}
	return out, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
