package safety

import "time"

// Level is the three-tier risk classification of a counseling interaction.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// Valid reports whether the level is one of the three known tiers.
func (l Level) Valid() bool {
	switch l {
	case LevelGreen, LevelYellow, LevelRed:
		return true
	}
	return false
}

// Severity returns the ordinal used to compare levels (green < yellow < red).
func (l Level) Severity() int {
	switch l {
	case LevelYellow:
		return 1
	case LevelRed:
		return 2
	default:
		return 0
	}
}

// NextInterval maps a level to the suggested delay before the next deep
// analysis. The value is advisory; the caller enforces its own cadence.
func (l Level) NextInterval() time.Duration {
	switch l {
	case LevelYellow:
		return 45 * time.Second
	case LevelRed:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// Assessment is the outcome of one completed deep analysis.
type Assessment struct {
	Level       Level     `json:"level"`
	Severity    int       `json:"severity"`
	Explanation string    `json:"explanation"`
	Action      string    `json:"action"`
	Alert       bool      `json:"alert"`
	AssessedAt  time.Time `json:"assessed_at"`
}

// NewAssessment builds an assessment for the given level, filling the
// derived fields. Red raises the alert flag with no debouncing.
func NewAssessment(level Level, explanation, action string, at time.Time) Assessment {
	if !level.Valid() {
		level = LevelGreen
	}
	return Assessment{
		Level:       level,
		Severity:    level.Severity(),
		Explanation: explanation,
		Action:      action,
		Alert:       level == LevelRed,
		AssessedAt:  at,
	}
}
