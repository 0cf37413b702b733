package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/careloop/careloop-engine/internal/billing"
	"github.com/careloop/careloop-engine/internal/config"
	"github.com/careloop/careloop-engine/internal/engine"
	"github.com/careloop/careloop-engine/internal/llm"
	"github.com/careloop/careloop-engine/internal/safety"
	"github.com/careloop/careloop-engine/internal/storage/memory"
	"github.com/careloop/careloop-engine/internal/transcript"
)

type stubClient struct {
	text string
	err  error
}

func (c *stubClient) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	if c.err != nil {
		return llm.Result{}, c.err
	}
	return llm.Result{Text: c.text, FinishReason: "stop", Usage: llm.Usage{PromptTokens: 50, CompletionTokens: 10}, Provider: "stub"}, nil
}

func newTestServer(t *testing.T, client llm.Client) *httptest.Server {
	t.Helper()
	store := memory.New()
	bstore, err := billing.NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("billing store: %v", err)
	}
	t.Cleanup(func() { bstore.Close() })
	bsvc := billing.NewService(bstore, billing.DefaultPricer(), nil)
	agg := transcript.NewAggregator(store, store, nil)

	eng := engine.New(engine.Deps{
		Sessions:    store,
		Transcripts: agg,
		LogStore:    store,
		Machine:     safety.NewMachine(),
		Billing:     bsvc,
		Client:      client,
		Playbook:    config.DefaultPlaybook(),
	}, engine.Options{QuickModel: "q", DeepModel: "d"})

	srv := New(Config{
		Engine:           eng,
		Sessions:         store,
		Transcripts:      agg,
		LogStore:         store,
		Billing:          bsvc,
		DefaultAccountID: "acct-test",
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"counselor_id": "c-1", "mode": "live"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var sess struct {
		ID string `json:"session_id"`
	}
	decodeBody(t, resp, &sess)
	if sess.ID == "" {
		t.Fatalf("empty session id")
	}
	return sess.ID
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, &stubClient{text: "Reflect calmly"})
	id := createSession(t, ts)

	// segments get dense positions
	for i := 1; i <= 2; i++ {
		resp := postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/segments", ts.URL, id),
			map[string]any{"text": fmt.Sprintf("segment %d", i), "duration_seconds": 10})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("append status = %d", resp.StatusCode)
		}
		var ack struct {
			Position int `json:"position"`
		}
		decodeBody(t, resp, &ack)
		if ack.Position != i {
			t.Fatalf("position = %d, want %d", ack.Position, i)
		}
	}

	// quick feedback
	resp := postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/feedback", ts.URL, id), map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d", resp.StatusCode)
	}
	var fb struct {
		Message  string `json:"message"`
		Fallback bool   `json:"is_fallback"`
	}
	decodeBody(t, resp, &fb)
	if fb.Message != "Reflect calmly" || fb.Fallback {
		t.Fatalf("unexpected feedback: %+v", fb)
	}

	// analysis log has the quick entry
	logResp, err := http.Get(fmt.Sprintf("%s/v1/sessions/%s/analysis-log", ts.URL, id))
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	var logBody struct {
		Entries []json.RawMessage `json:"entries"`
	}
	decodeBody(t, logResp, &logBody)
	if len(logBody.Entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logBody.Entries))
	}

	// completion settles and repeats idempotently
	var first, second struct {
		Usage struct {
			CreditsConsumed int64 `json:"credits_consumed"`
			CreditDeducted  bool  `json:"credit_deducted"`
		} `json:"usage"`
	}
	resp = postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/complete", ts.URL, id), map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &first)
	if !first.Usage.CreditDeducted {
		t.Fatalf("usage not settled: %+v", first)
	}

	resp = postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/complete", ts.URL, id), map[string]any{})
	decodeBody(t, resp, &second)
	if second.Usage.CreditsConsumed != first.Usage.CreditsConsumed {
		t.Fatalf("retry changed the charge: %d vs %d", second.Usage.CreditsConsumed, first.Usage.CreditsConsumed)
	}

	// segments after completion are rejected
	resp = postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/segments", ts.URL, id),
		map[string]any{"text": "too late"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("append after completion status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t, &stubClient{text: "Keep listening"})
	resp, err := http.Get(ts.URL + "/v1/sessions/does-not-exist/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteAnalysisLogOutOfRange(t *testing.T) {
	ts := newTestServer(t, &stubClient{text: "Keep listening"})
	id := createSession(t, ts)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/v1/sessions/%s/analysis-log/5", ts.URL, id), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, &stubClient{text: "Keep listening"})

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"mode": "live"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing counselor_id status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions", map[string]string{"counselor_id": "c", "mode": "other"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubClient{text: "Keep listening"})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
}
