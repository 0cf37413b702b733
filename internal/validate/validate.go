// Package validate enforces length and well-formedness contracts on
// AI-generated string fields. Model output is untrusted: a field that came
// back empty, whitespace-only or shorter than its minimum is replaced by a
// fallback, and a field that exceeds its maximum is passed through unmodified
// with a warning. Nothing in this package ever truncates text - hard
// truncation is exactly the corruption this layer exists to prevent.
package validate

import (
	"log"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

// Validator checks generated fields against per-field character bands.
// It is stateless apart from its logger and safe for concurrent use.
type Validator struct {
	logger *log.Logger
}

// New creates a Validator. A nil logger disables warnings.
func New(logger *log.Logger) *Validator {
	return &Validator{logger: logger}
}

func (v *Validator) warnf(format string, args ...any) {
	if v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

// Validate returns (text, true) when the text satisfies the contract and
// ("", false) when the caller must substitute a fallback. Text longer than
// maxChars is returned unchanged with a logged warning; lengths are counted
// in runes, not bytes.
func (v *Validator) Validate(text string, minChars, maxChars int, field string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		v.warnf("validate: field=%s empty output", field)
		return "", false
	}
	n := utf8.RuneCountInString(trimmed)
	if n < minChars {
		v.warnf("validate: field=%s length=%d below minimum=%d", field, n, minChars)
		return "", false
	}
	if maxChars > 0 && n > maxChars {
		v.warnf("validate: field=%s length=%d exceeds maximum=%d, passing through", field, n, maxChars)
	}
	return trimmed, true
}

// ApplyFallback validates the text and, on failure, returns a uniform random
// pick from the pool. An empty pool yields the empty string, which callers
// should treat as a configuration error.
func (v *Validator) ApplyFallback(text string, minChars, maxChars int, pool []string, field string) (string, bool) {
	if out, ok := v.Validate(text, minChars, maxChars, field); ok {
		return out, false
	}
	if len(pool) == 0 {
		v.warnf("validate: field=%s has no fallback pool configured", field)
		return "", true
	}
	return pool[rand.IntN(len(pool))], true
}

// Stop reasons that indicate the generation was cut short rather than ending
// naturally. Keyed loosely so provider variants ("max_tokens", "MAX_TOKENS")
// all match.
var truncatedStops = []string{
	"length",
	"max_tokens",
	"max_output_tokens",
	"content_filter",
	"safety",
	"recitation",
}

// CheckCompletion reports whether the provider finished generating naturally.
// A false return means the output may be truncated mid-sentence and callers
// should prefer the fallback path even when the text happens to satisfy its
// length bounds.
func (v *Validator) CheckCompletion(finishReason, provider string) bool {
	reason := strings.ToLower(strings.TrimSpace(finishReason))
	if reason == "" {
		return true
	}
	for _, stop := range truncatedStops {
		if strings.Contains(reason, stop) {
			v.warnf("validate: provider=%s finish_reason=%s indicates truncation", provider, finishReason)
			return false
		}
	}
	return true
}
