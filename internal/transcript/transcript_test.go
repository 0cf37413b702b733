package transcript_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/storage/memory"
	"github.com/careloop/careloop-engine/internal/transcript"
)

func newAggregator(t *testing.T) (*transcript.Aggregator, *memory.Store, string) {
	t.Helper()
	store := memory.New()
	sess := &session.Session{ID: session.NewID(), CounselorID: "c-1", Mode: session.ModeLive}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return transcript.NewAggregator(store, store, nil), store, sess.ID
}

func TestAppendAssignsSequentialPositions(t *testing.T) {
	agg, _, id := newAggregator(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		pos, _, err := agg.Append(ctx, id, transcript.Segment{Text: fmt.Sprintf("part %d", i), Duration: 10})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if pos != i {
			t.Fatalf("append %d assigned position %d", i, pos)
		}
	}
}

func TestAppendConcurrentStaysDense(t *testing.T) {
	agg, store, id := newAggregator(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = agg.Append(ctx, id, transcript.Segment{Text: "x", Duration: 1})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	segs, err := store.ListSegments(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(segs) != n {
		t.Fatalf("expected %d segments, got %d", n, len(segs))
	}
	for i, seg := range segs {
		if seg.Position != i+1 {
			t.Fatalf("segment %d has position %d, ordering not dense", i, seg.Position)
		}
	}
}

func TestAppendRejectsCompletedSession(t *testing.T) {
	agg, store, id := newAggregator(t)
	ctx := context.Background()

	if err := store.CompleteSession(ctx, id, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, err := agg.Append(ctx, id, transcript.Segment{Text: "too late"}); !errors.Is(err, session.ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestAppendReturnsRuneLength(t *testing.T) {
	agg, _, id := newAggregator(t)
	ctx := context.Background()

	// multibyte text counts runes, not bytes
	if _, total, err := agg.Append(ctx, id, transcript.Segment{Text: "내담자가 말했다"}); err != nil || total != 8 {
		t.Fatalf("first append total = %d, %v; want 8", total, err)
	}
	// second segment adds separator runes plus its own
	_, total, err := agg.Append(ctx, id, transcript.Segment{Text: "abc"})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	want := 8 + len([]rune(transcript.Separator)) + 3
	if total != want {
		t.Fatalf("aggregate length = %d, want %d", total, want)
	}
}

func TestAppendComputesDurationFromTimestamps(t *testing.T) {
	agg, store, id := newAggregator(t)
	ctx := context.Background()

	start := time.Now().Add(-30 * time.Second)
	if _, _, err := agg.Append(ctx, id, transcript.Segment{
		Text:      "hello",
		StartedAt: start,
		EndedAt:   start.Add(12 * time.Second),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	segs, _ := store.ListSegments(ctx, id)
	if got := segs[0].Duration; got != 12 {
		t.Fatalf("duration = %v, want 12", got)
	}
}

func TestFullTextJoinsInOrder(t *testing.T) {
	agg, _, id := newAggregator(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if _, _, err := agg.Append(ctx, id, transcript.Segment{Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	full, err := agg.FullText(ctx, id)
	if err != nil {
		t.Fatalf("full text: %v", err)
	}
	want := "first" + transcript.Separator + "second" + transcript.Separator + "third"
	if full != want {
		t.Fatalf("full text = %q, want %q", full, want)
	}
}

func TestWindowReturnsSmallestCoveringSuffix(t *testing.T) {
	agg, _, id := newAggregator(t)
	ctx := context.Background()

	for i, d := range []float64{60, 60, 30, 30} {
		if _, _, err := agg.Append(ctx, id, transcript.Segment{Text: fmt.Sprintf("seg%d", i+1), Duration: d}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// 45s window needs the last two 30s segments
	got, err := agg.Window(ctx, id, 45)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	want := "seg3" + transcript.Separator + "seg4"
	if got != want {
		t.Fatalf("window = %q, want %q", got, want)
	}

	// a window longer than the session returns everything
	got, err = agg.Window(ctx, id, 600)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if got != "seg1"+transcript.Separator+"seg2"+transcript.Separator+"seg3"+transcript.Separator+"seg4" {
		t.Fatalf("oversized window = %q", got)
	}
}

func TestWindowEmptySession(t *testing.T) {
	agg, _, id := newAggregator(t)
	got, err := agg.Window(context.Background(), id, 90)
	if err != nil || got != "" {
		t.Fatalf("empty window = %q, %v", got, err)
	}
}
