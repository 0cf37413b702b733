package validate

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateRejectsShortAndEmpty(t *testing.T) {
	v := New(nil)

	for _, text := range []string{"", "   ", "\n\t", "hi"} {
		if _, ok := v.Validate(text, 7, 15, "message"); ok {
			t.Fatalf("expected %q to fail validation", text)
		}
	}

	out, ok := v.Validate("  steady pace  ", 7, 15, "message")
	if !ok {
		t.Fatalf("expected valid text to pass")
	}
	if out != "steady pace" {
		t.Fatalf("expected trimmed text, got %q", out)
	}
}

func TestValidateNeverTruncates(t *testing.T) {
	v := New(nil)
	long := strings.Repeat("a", 200)
	out, ok := v.Validate(long, 7, 15, "message")
	if !ok {
		t.Fatalf("over-max text must still pass")
	}
	if out != long {
		t.Fatalf("over-max text must be returned unmodified")
	}
}

func TestValidateCountsRunes(t *testing.T) {
	v := New(nil)
	// 8 CJK runes, far more than 8 bytes.
	text := "呼吸を整えましょう"
	if _, ok := v.Validate(text, 7, 15, "message"); !ok {
		t.Fatalf("rune length %d should satisfy [7,15]", utf8.RuneCountInString(text))
	}
}

func TestApplyFallback(t *testing.T) {
	v := New(nil)
	pool := []string{"take a breath", "stay with it", "keep listening"}

	out, fellBack := v.ApplyFallback("ok", 7, 15, pool, "message")
	if !fellBack {
		t.Fatalf("short text must trigger fallback")
	}
	found := false
	for _, p := range pool {
		if out == p {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback %q not from pool", out)
	}

	out, fellBack = v.ApplyFallback("steady pace", 7, 15, pool, "message")
	if fellBack || out != "steady pace" {
		t.Fatalf("valid text must pass through, got %q fellBack=%v", out, fellBack)
	}
}

func TestApplyFallbackAlwaysMeetsMinimum(t *testing.T) {
	v := New(nil)
	pool := []string{"take a breath", "stay with it"}
	for _, text := range []string{"", "x", "no", strings.Repeat("b", 40)} {
		out, _ := v.ApplyFallback(text, 7, 15, pool, "message")
		if utf8.RuneCountInString(out) < 7 {
			t.Fatalf("output %q shorter than minimum", out)
		}
	}
}

func TestCheckCompletion(t *testing.T) {
	v := New(nil)
	cases := []struct {
		reason string
		want   bool
	}{
		{"stop", true},
		{"", true},
		{"end_turn", true},
		{"length", false},
		{"MAX_TOKENS", false},
		{"content_filter", false},
		{"safety", false},
	}
	for _, c := range cases {
		if got := v.CheckCompletion(c.reason, "openai"); got != c.want {
			t.Fatalf("reason %q: expected %v, got %v", c.reason, c.want, got)
		}
	}
}
