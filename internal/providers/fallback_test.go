package providers

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
)

type fakeProvider struct {
	name  string
	reply *Completion
	err   error
	calls int
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return f.name }

func TestFallbackUsesPrimaryOnSuccess(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", reply: &Completion{Content: "hi", StopReason: StopEnd}}
	backup := &fakeProvider{name: "openai", reply: &Completion{Content: "backup"}}
	chain := NewFallbackChain(nil, primary, backup)

	res, err := chain.Execute(context.Background(), Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "anthropic" || res.Completion.Content != "hi" {
		t.Errorf("unexpected result: %+v", res)
	}
	if backup.calls != 0 {
		t.Error("backup should not be called on primary success")
	}
}

func TestFallbackOnRetryableError(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: &HTTPError{Status: 529, Body: "overloaded"}}
	backup := &fakeProvider{name: "openai", reply: &Completion{Content: "backup", StopReason: StopEnd}}
	chain := NewFallbackChain(nil, primary, backup)

	res, err := chain.Execute(context.Background(), Request{Model: "custom-model"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("expected failover to openai, got %s", res.Provider)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Provider != "anthropic" {
		t.Errorf("attempt trail wrong: %+v", res.Attempts)
	}
}

// retryingProvider fails every request through the RetryDo path, the way the
// real adapters issue their upstream calls.
type retryingProvider struct {
	name string
	cfg  RetryConfig
	err  error
}

func (p *retryingProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	return RetryDo(ctx, p.cfg, func() (*Completion, error) { return nil, p.err })
}

func (p *retryingProvider) DefaultModel() string { return "retry-model" }
func (p *retryingProvider) Name() string         { return p.name }

func TestAttemptTrailCountsProviderRetries(t *testing.T) {
	primary := &retryingProvider{
		name: "anthropic",
		cfg:  RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		err:  &HTTPError{Status: 503, Body: "down"},
	}
	backup := &fakeProvider{name: "openai", reply: &Completion{Content: "backup", StopReason: StopEnd}}
	chain := NewFallbackChain(nil, primary, backup)

	res, err := chain.Execute(context.Background(), Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "openai" {
		t.Fatalf("expected failover, got %s", res.Provider)
	}
	// One entry per actual request: the first try plus two retries.
	if len(res.Attempts) != 3 {
		t.Fatalf("attempt trail has %d entries, want 3: %+v", len(res.Attempts), res.Attempts)
	}
	for _, a := range res.Attempts {
		if a.Provider != "anthropic" {
			t.Errorf("attempt attributed to %s, want anthropic", a.Provider)
		}
	}
}

func TestExecuteRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	primary := &fakeProvider{name: "anthropic", reply: &Completion{Content: "hi", StopReason: StopEnd}}
	chain := NewFallbackChain(nil, primary)
	if _, err := chain.Execute(context.Background(), Request{}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "llm.complete" {
		t.Fatalf("recorded spans = %+v", spans)
	}
	var provider string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "llm.provider" {
			provider = kv.Value.AsString()
		}
	}
	if provider != "anthropic" {
		t.Errorf("llm.provider attribute = %q", provider)
	}
}

func TestFallbackAbortsOnNonRetryable(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: &HTTPError{Status: 400, Body: "bad request"}}
	backup := &fakeProvider{name: "openai", reply: &Completion{Content: "backup"}}
	chain := NewFallbackChain(nil, primary, backup)

	_, err := chain.Execute(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if backup.calls != 0 {
		t.Error("non-retryable error must not fail over")
	}
}

func TestFallbackExhaustion(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: &HTTPError{Status: 500, Body: "boom"}}
	backup := &fakeProvider{name: "openai", err: &HTTPError{Status: 503, Body: "down"}}
	chain := NewFallbackChain(nil, primary, backup)

	_, err := chain.Execute(context.Background(), Request{})
	if !errs.Is(err, errs.KindUpstreamUnavailable) {
		t.Errorf("expected upstream_unavailable, got %v", err)
	}
}

func TestFallbackStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &fakeProvider{name: "anthropic", reply: &Completion{Content: "hi"}}
	chain := NewFallbackChain(nil, primary)
	if _, err := chain.Execute(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if primary.calls != 0 {
		t.Error("cancelled context must not reach the provider")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &HTTPError{Status: 500}, true},
		{"bad gateway", &HTTPError{Status: 502}, true},
		{"rate limited", &HTTPError{Status: 429}, true},
		{"request timeout", &HTTPError{Status: 408}, true},
		{"anthropic overloaded", &HTTPError{Status: 529}, true},
		{"overloaded body", &HTTPError{Status: 200, Body: "Overloaded, try later"}, true},
		{"bad request", &HTTPError{Status: 400, Body: "invalid"}, false},
		{"unauthorized", &HTTPError{Status: 401}, false},
		{"network", &net.DNSError{Err: "no such host", IsTemporary: true}, true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseHotSwap(t *testing.T) {
	o, err := ParseHotSwap([]byte(`{"provider":"openai","model":"gpt-4o","extra":"kept"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.Provider != "openai" || o.Model != "gpt-4o" {
		t.Errorf("unexpected override: %+v", o)
	}

	if o, err := ParseHotSwap(nil); err != nil || o != nil {
		t.Errorf("empty blob should yield nil, got %+v err %v", o, err)
	}

	if _, err := ParseHotSwap([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
