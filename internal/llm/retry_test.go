package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) Generate(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, errors.New("upstream unavailable")
	}
	return Result{Text: "recovered", FinishReason: "stop", Provider: "flaky"}, nil
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	inner := &flakyClient{failures: 1}
	c := NewRetryClient(inner, RetryConfig{Timeout: time.Second, RetryTimeout: 500 * time.Millisecond})

	res, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("unexpected result %q", res.Text)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetryGivesUpAfterOneRetry(t *testing.T) {
	inner := &flakyClient{failures: 5}
	c := NewRetryClient(inner, RetryConfig{Timeout: time.Second, RetryTimeout: 500 * time.Millisecond})

	if _, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatalf("expected error after exhausted retry")
	}
	if inner.calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", inner.calls)
	}
}

func TestRetrySkipsOnCallerCancellation(t *testing.T) {
	inner := &flakyClient{failures: 5}
	c := NewRetryClient(inner, RetryConfig{Timeout: time.Second, RetryTimeout: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inner.calls > 1 {
		t.Fatalf("cancelled call must not retry, got %d attempts", inner.calls)
	}
}

func TestLoopbackEchoesLastUserMessage(t *testing.T) {
	c := NewLoopbackClient()
	res, err := c.Generate(context.Background(), Request{
		Model: "dev",
		Messages: []Message{
			{Role: "system", Content: "ignored"},
			{Role: "user", Content: "how is the client doing"},
			{Role: "assistant", Content: "also ignored"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "[loopback] how is the client doing" {
		t.Fatalf("unexpected echo %q", res.Text)
	}
	if res.FinishReason != "stop" {
		t.Fatalf("loopback must report a natural stop, got %q", res.FinishReason)
	}
}
