package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/careloop/careloop-engine/internal/alerts"
	"github.com/careloop/careloop-engine/internal/billing"
	"github.com/careloop/careloop-engine/internal/config"
	"github.com/careloop/careloop-engine/internal/llm"
	"github.com/careloop/careloop-engine/internal/safety"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/storage/memory"
	"github.com/careloop/careloop-engine/internal/transcript"
)

type scriptedClient struct {
	mu     sync.Mutex
	calls  int
	text   string
	err    error
	finish string
	usage  llm.Usage
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return llm.Result{}, c.err
	}
	finish := c.finish
	if finish == "" {
		finish = "stop"
	}
	return llm.Result{Text: c.text, FinishReason: finish, Usage: c.usage, Provider: "scripted"}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type capturingPublisher struct {
	mu    sync.Mutex
	notes []alerts.Notification
}

func (p *capturingPublisher) Publish(ctx context.Context, n alerts.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

type harness struct {
	engine    *Engine
	store     *memory.Store
	billing   *billing.SQLiteStore
	client    *scriptedClient
	publisher *capturingPublisher
	sessionID string
}

func newHarness(t *testing.T, client *scriptedClient) *harness {
	t.Helper()
	store := memory.New()
	bstore, err := billing.NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("billing store: %v", err)
	}
	t.Cleanup(func() { bstore.Close() })

	sess := &session.Session{ID: session.NewID(), CounselorID: "c-9", Mode: session.ModeLive}
	ctx := context.Background()
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	bsvc := billing.NewService(bstore, billing.DefaultPricer(), nil)
	if err := bsvc.Open(ctx, sess.ID, "acct-t"); err != nil {
		t.Fatalf("open usage: %v", err)
	}

	publisher := &capturingPublisher{}
	eng := New(Deps{
		Sessions:    store,
		Transcripts: transcript.NewAggregator(store, store, nil),
		LogStore:    store,
		Machine:     safety.NewMachine(),
		Billing:     bsvc,
		Client:      client,
		Alerts:      publisher,
		Playbook:    config.DefaultPlaybook(),
	}, Options{QuickModel: "quick-m", DeepModel: "deep-m"})

	return &harness{engine: eng, store: store, billing: bstore, client: client, publisher: publisher, sessionID: sess.ID}
}

func (h *harness) appendSegment(t *testing.T, text string, duration float64) {
	t.Helper()
	agg := transcript.NewAggregator(h.store, h.store, nil)
	if _, _, err := agg.Append(context.Background(), h.sessionID, transcript.Segment{Text: text, Duration: duration}); err != nil {
		t.Fatalf("append segment: %v", err)
	}
}

func TestQuickFallbackWhenProviderDown(t *testing.T) {
	h := newHarness(t, &scriptedClient{err: errors.New("provider unreachable")})
	ctx := context.Background()
	h.appendSegment(t, "I feel anxious about everything lately", 10)

	fb, err := h.engine.Quick(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("quick: %v", err)
	}
	if !fb.Fallback {
		t.Fatalf("expected is_fallback=true when provider is down")
	}
	if n := utf8.RuneCountInString(fb.Message); n < quickMinChars || n > quickMaxChars {
		t.Fatalf("fallback message length %d outside [%d,%d]: %q", n, quickMinChars, quickMaxChars, fb.Message)
	}
	found := false
	for _, m := range config.DefaultPlaybook().QuickMessages {
		if m == fb.Message {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback message %q not from the configured pool", fb.Message)
	}

	// usage is still metered, from the local estimate
	u, err := h.billing.GetUsage(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.QuickCalls != 1 || u.PromptTokens == 0 {
		t.Fatalf("fallback call not metered: %+v", u)
	}
	if u.DurationSeconds <= 0 || u.EstimatedCost <= 0 {
		t.Fatalf("duration/cost not metered: %+v", u)
	}

	entries, err := h.store.ListEntries(ctx, h.sessionID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log entry, got %v, %v", entries, err)
	}
	if !entries[0].Fallback {
		t.Fatalf("log entry must carry the fallback flag for audit")
	}
}

func TestQuickSuccess(t *testing.T) {
	h := newHarness(t, &scriptedClient{text: "Reflect calmly", usage: llm.Usage{PromptTokens: 40, CompletionTokens: 3}})
	ctx := context.Background()
	h.appendSegment(t, "client is talking about workload stress and burnout", 10)

	fb, err := h.engine.Quick(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("quick: %v", err)
	}
	if fb.Fallback {
		t.Fatalf("unexpected fallback: %+v", fb)
	}
	if fb.Message != "Reflect calmly" {
		t.Fatalf("message = %q", fb.Message)
	}
	if len(fb.Categories) == 0 || fb.Categories[0] != "work" {
		t.Fatalf("expected work category, got %v", fb.Categories)
	}
}

func TestQuickUnchangedWindowServedFromCache(t *testing.T) {
	client := &scriptedClient{text: "Keep listening", usage: llm.Usage{PromptTokens: 30, CompletionTokens: 2}}
	h := newHarness(t, client)
	ctx := context.Background()
	h.appendSegment(t, "same content", 10)

	if _, err := h.engine.Quick(ctx, h.sessionID); err != nil {
		t.Fatalf("first quick: %v", err)
	}
	second, err := h.engine.Quick(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("second quick: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call with unchanged window should be cached")
	}
	if client.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", client.callCount())
	}

	u, err := h.billing.GetUsage(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.QuickCalls != 1 {
		t.Fatalf("cached call must not meter usage: %+v", u)
	}
}

func TestQuickCompletedSession(t *testing.T) {
	h := newHarness(t, &scriptedClient{text: "Stay with them"})
	ctx := context.Background()
	if err := h.store.CompleteSession(ctx, h.sessionID, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := h.engine.Quick(ctx, h.sessionID); !errors.Is(err, session.ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestDeepEmptySessionStaysGreen(t *testing.T) {
	client := &scriptedClient{text: `{"level":"red"}`}
	h := newHarness(t, client)

	da, err := h.engine.Deep(context.Background(), h.sessionID, DeepModePractice)
	if err != nil {
		t.Fatalf("deep: %v", err)
	}
	if da.Assessment.Level != safety.LevelGreen {
		t.Fatalf("empty session level = %s, want green", da.Assessment.Level)
	}
	if client.callCount() != 0 {
		t.Fatalf("empty session must not reach the provider")
	}
	if da.NextInterval != 60*time.Second {
		t.Fatalf("next interval = %s, want 60s", da.NextInterval)
	}
}

func TestDeepRedRaisesAlertAndPersistsLevel(t *testing.T) {
	client := &scriptedClient{
		text:  `{"level":"red","summary":"Acute risk language","alerts":["client mentioned self-harm"],"suggestions":["Ask about safety now"],"confidence":0.9}`,
		usage: llm.Usage{PromptTokens: 500, CompletionTokens: 80},
	}
	h := newHarness(t, client)
	ctx := context.Background()
	h.appendSegment(t, "I do not see a way forward anymore", 30)

	da, err := h.engine.Deep(ctx, h.sessionID, DeepModeEmergency)
	if err != nil {
		t.Fatalf("deep: %v", err)
	}
	if da.Assessment.Level != safety.LevelRed || !da.Assessment.Alert {
		t.Fatalf("expected red with alert, got %+v", da.Assessment)
	}
	if da.NextInterval != 30*time.Second {
		t.Fatalf("next interval = %s, want 30s", da.NextInterval)
	}
	if len(da.Suggestions) != 1 {
		t.Fatalf("emergency mode must cap suggestions at 1, got %d", len(da.Suggestions))
	}

	sess, err := h.store.GetSession(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.SafetyLevel != safety.LevelRed {
		t.Fatalf("session level not persisted: %s", sess.SafetyLevel)
	}

	h.publisher.mu.Lock()
	notes := len(h.publisher.notes)
	h.publisher.mu.Unlock()
	if notes != 1 {
		t.Fatalf("expected one supervisor alert, got %d", notes)
	}

	u, err := h.billing.GetUsage(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.DeepCalls != 1 || u.PromptTokens != 500 {
		t.Fatalf("deep call not metered: %+v", u)
	}
}

func TestDeepUnparseableOutputFallsBack(t *testing.T) {
	h := newHarness(t, &scriptedClient{text: "sorry, I cannot help with that"})
	ctx := context.Background()
	h.appendSegment(t, "talking about feeling hopeless and trapped", 30)

	da, err := h.engine.Deep(ctx, h.sessionID, DeepModePractice)
	if err != nil {
		t.Fatalf("deep: %v", err)
	}
	if !da.Fallback {
		t.Fatalf("unparseable output must be flagged as fallback")
	}
	// heuristic picks up the yellow escalation keywords
	if da.Assessment.Level != safety.LevelYellow {
		t.Fatalf("heuristic level = %s, want yellow", da.Assessment.Level)
	}
}

func TestDeepTruncatedOutputFallsBack(t *testing.T) {
	h := newHarness(t, &scriptedClient{
		text:   `{"level":"green","summary":"Calm conversation","suggestions":["Reflect the emotion"]}`,
		finish: "max_tokens",
	})
	ctx := context.Background()
	h.appendSegment(t, "a calm conversation about the week", 30)

	da, err := h.engine.Deep(ctx, h.sessionID, DeepModePractice)
	if err != nil {
		t.Fatalf("deep: %v", err)
	}
	if !da.Fallback {
		t.Fatalf("truncated output must prefer the fallback path")
	}
}

func TestCompleteSettlesUsage(t *testing.T) {
	client := &scriptedClient{text: "Reflect calmly", usage: llm.Usage{PromptTokens: 2000, CompletionTokens: 100}}
	h := newHarness(t, client)
	ctx := context.Background()
	h.appendSegment(t, "some session content", 10)

	if _, err := h.engine.Quick(ctx, h.sessionID); err != nil {
		t.Fatalf("quick: %v", err)
	}

	first, err := h.engine.Complete(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !first.Session.Completed {
		t.Fatalf("session not completed")
	}
	if first.Usage == nil || !first.Usage.CreditDeducted || first.Usage.CreditsConsumed <= 0 {
		t.Fatalf("usage not settled: %+v", first.Usage)
	}

	second, err := h.engine.Complete(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if second.Usage.CreditsConsumed != first.Usage.CreditsConsumed {
		t.Fatalf("retrying complete changed the charge")
	}
}

func TestQuickCancelledCallerStillPersists(t *testing.T) {
	h := newHarness(t, &scriptedClient{err: context.Canceled})
	h.appendSegment(t, "talking through a stressful week", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fb, err := h.engine.Quick(ctx, h.sessionID)
	if err != nil {
		t.Fatalf("quick: %v", err)
	}
	if !fb.Fallback {
		t.Fatalf("cancelled call must land on the fallback path")
	}

	// incurred usage and the audit entry survive the cancellation
	u, err := h.billing.GetUsage(context.Background(), h.sessionID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.QuickCalls != 1 || u.PromptTokens == 0 {
		t.Fatalf("cancelled call not metered: %+v", u)
	}
	entries, err := h.store.ListEntries(context.Background(), h.sessionID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Fallback {
		t.Fatalf("expected one fallback log entry, got %+v", entries)
	}
}
