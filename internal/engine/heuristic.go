package engine

import (
	"sort"
	"strings"
	"unicode"

	"github.com/careloop/careloop-engine/internal/safety"
)

// maxKeywords bounds the keyword list attached to analysis entries.
const maxKeywords = 5

// heuristicSignals extracts the dominant terms and matched topic categories
// from a transcript window. Deterministic by construction: same text, same
// output.
func (e *Engine) heuristicSignals(window string) ([]string, []string) {
	lower := strings.ToLower(window)
	if strings.TrimSpace(lower) == "" {
		return nil, nil
	}

	var categories []string
	catNames := make([]string, 0, len(e.playbook.Categories))
	for name := range e.playbook.Categories {
		catNames = append(catNames, name)
	}
	sort.Strings(catNames)
	for _, name := range catNames {
		for _, phrase := range e.playbook.Categories[name] {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				categories = append(categories, name)
				break
			}
		}
	}

	counts := make(map[string]int)
	for _, word := range splitWords(lower) {
		if len([]rune(word)) < 4 {
			continue
		}
		counts[word]++
	}
	keywords := make([]string, 0, len(counts))
	for w := range counts {
		keywords = append(keywords, w)
	}
	// order by frequency, then lexicographically for a stable result
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords, categories
}

// heuristicLevel reads the safety level straight off the escalation keyword
// tables. Red phrases dominate yellow.
func (e *Engine) heuristicLevel(window string) safety.Level {
	lower := strings.ToLower(window)
	for _, phrase := range e.playbook.RedKeywords {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return safety.LevelRed
		}
	}
	for _, phrase := range e.playbook.YellowKeywords {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return safety.LevelYellow
		}
	}
	return safety.LevelGreen
}

// heuristicDeep builds a full deep result without a provider. Summary and
// suggestion text come from the playbook pools; the level comes from the
// escalation tables.
func (e *Engine) heuristicDeep(window string) deepOutput {
	level := e.heuristicLevel(window)
	out := deepOutput{
		Level:       level,
		Summary:     e.pickSummaryFallback(),
		Suggestions: []string{e.pickSuggestionFallback()},
	}
	if level != safety.LevelGreen {
		out.Alerts = []string{"escalation keywords detected"}
	}
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
