package safety

import (
	"sync"
	"testing"
	"time"
)

func TestApplyLastAssessmentWins(t *testing.T) {
	m := NewMachine()
	base := time.Now()

	older := NewAssessment(LevelRed, "earlier reading", "escalate", base)
	newer := NewAssessment(LevelYellow, "latest reading", "monitor", base.Add(2*time.Second))

	// Newer result lands first; the stale red must not overwrite it.
	if _, won := m.Apply("s1", newer); !won {
		t.Fatalf("expected newer assessment to apply")
	}
	cur, won := m.Apply("s1", older)
	if won {
		t.Fatalf("stale assessment must lose")
	}
	if cur.Level != LevelYellow {
		t.Fatalf("expected yellow to remain, got %s", cur.Level)
	}
	if got := m.Current("s1").Level; got != LevelYellow {
		t.Fatalf("Current: expected yellow, got %s", got)
	}
}

func TestApplyConcurrent(t *testing.T) {
	m := NewMachine()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			level := LevelGreen
			if i == 49 {
				level = LevelRed
			}
			m.Apply("s1", NewAssessment(level, "", "", base.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()

	if got := m.Current("s1").Level; got != LevelRed {
		t.Fatalf("expected the newest (red) assessment to win, got %s", got)
	}
}

func TestLevelIntervals(t *testing.T) {
	cases := []struct {
		level Level
		want  time.Duration
	}{
		{LevelGreen, 60 * time.Second},
		{LevelYellow, 45 * time.Second},
		{LevelRed, 30 * time.Second},
	}
	for _, c := range cases {
		if got := c.level.NextInterval(); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.level, c.want, got)
		}
	}
}

func TestNewAssessmentRedRaisesAlert(t *testing.T) {
	a := NewAssessment(LevelRed, "crisis language detected", "contact supervisor", time.Now())
	if !a.Alert {
		t.Fatalf("red assessment must set the alert flag")
	}
	if a.Severity != 2 {
		t.Fatalf("red severity expected 2, got %d", a.Severity)
	}
	b := NewAssessment("bogus", "", "", time.Now())
	if b.Level != LevelGreen || b.Alert {
		t.Fatalf("unknown level must normalize to green without alert")
	}
}

func TestCurrentDefaultsGreen(t *testing.T) {
	m := NewMachine()
	if got := m.Current("fresh").Level; got != LevelGreen {
		t.Fatalf("untouched session must report green, got %s", got)
	}
}
