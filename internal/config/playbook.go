package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Playbook carries the counselor-facing phrase pools and keyword tables the
// engine falls back on when the provider cannot deliver.
type Playbook struct {
	// Fallback phrase pools, substituted when generated text fails validation
	// or the provider is unavailable.
	QuickMessages []string `yaml:"quick_messages"`
	Summaries     []string `yaml:"summaries"`
	Suggestions   []string `yaml:"suggestions"`

	// Keyword tables driving the heuristic analysis path. Categories map a
	// topic label to the client phrases that indicate it.
	Categories map[string][]string `yaml:"categories"`
	// Escalation keywords by level for the heuristic safety read.
	RedKeywords    []string `yaml:"red_keywords"`
	YellowKeywords []string `yaml:"yellow_keywords"`
}

// DefaultPlaybook returns the built-in pools used when no playbook file is
// configured. Every pool satisfies the validator's length bands.
func DefaultPlaybook() Playbook {
	return Playbook{
		QuickMessages: []string{
			"Keep listening",
			"Reflect feeling",
			"Ask open-ended",
			"Stay with them",
			"Validate first",
		},
		Summaries: []string{
			"Session in progress",
			"Client sharing more",
			"Steady engagement",
		},
		Suggestions: []string{
			"Reflect the emotion",
			"Ask what felt worst",
			"Check in on feeling",
			"Mirror their words",
		},
		Categories: map[string][]string{
			"anxiety":       {"anxious", "panic", "worried", "overwhelmed", "racing thoughts"},
			"depression":    {"hopeless", "empty", "worthless", "no energy", "can't get up"},
			"relationships": {"partner", "divorce", "argument", "lonely", "breakup"},
			"work":          {"burnout", "boss", "fired", "deadline", "workload"},
			"sleep":         {"insomnia", "nightmare", "can't sleep", "exhausted"},
		},
		RedKeywords: []string{
			"kill myself", "end my life", "suicide", "self-harm", "hurt myself",
			"no reason to live", "better off dead",
		},
		YellowKeywords: []string{
			"hopeless", "can't go on", "give up", "worthless", "trapped",
			"unbearable", "no way out",
		},
	}
}

// LoadPlaybook reads a playbook from path, filling omitted pools from the
// defaults so every field always has at least one usable entry.
func LoadPlaybook(path string) (Playbook, error) {
	if path == "" {
		return DefaultPlaybook(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPlaybook(), nil
	}
	if err != nil {
		return Playbook{}, fmt.Errorf("read playbook: %w", err)
	}

	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return Playbook{}, fmt.Errorf("parse playbook: %w", err)
	}

	def := DefaultPlaybook()
	if len(pb.QuickMessages) == 0 {
		pb.QuickMessages = def.QuickMessages
	}
	if len(pb.Summaries) == 0 {
		pb.Summaries = def.Summaries
	}
	if len(pb.Suggestions) == 0 {
		pb.Suggestions = def.Suggestions
	}
	if len(pb.Categories) == 0 {
		pb.Categories = def.Categories
	}
	if len(pb.RedKeywords) == 0 {
		pb.RedKeywords = def.RedKeywords
	}
	if len(pb.YellowKeywords) == 0 {
		pb.YellowKeywords = def.YellowKeywords
	}
	return pb, nil
}
