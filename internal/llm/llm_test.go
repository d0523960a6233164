package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type mockMessager struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (m *mockMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	m.params = params
	return m.resp, m.err
}

func withMockClient(t *testing.T, m AnthropicMessager) {
	t.Helper()
	prev := newAnthropicClient
	newAnthropicClient = func(string) AnthropicMessager { return m }
	t.Cleanup(func() { newAnthropicClient = prev })
}

func TestAnthropicCallerDeterministicRequest(t *testing.T) {
	m := &mockMessager{resp: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: "Inclusion Criteria:\n"},
		{Type: "thinking", Text: "ignored"},
		{Type: "text", Text: "- Age: Yes"},
	}}}
	withMockClient(t, m)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	caller, err := NewAnthropicCallerFromEnv("", 0)
	if err != nil {
		t.Fatalf("NewAnthropicCallerFromEnv: %v", err)
	}
	got, err := caller.Generate(context.Background(), "system text", "prompt text")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Inclusion Criteria:\n- Age: Yes" {
		t.Fatalf("unexpected text %q", got)
	}
	if caller.ModelName() != DefaultModel || string(m.params.Model) != DefaultModel {
		t.Fatalf("unexpected model %q", m.params.Model)
	}
	if m.params.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected max tokens %d", m.params.MaxTokens)
	}
	if !m.params.Temperature.Valid() || m.params.Temperature.Value != 0 {
		t.Fatal("expected explicit zero temperature")
	}
	if len(m.params.System) != 1 || m.params.System[0].Text != "system text" {
		t.Fatalf("unexpected system blocks %+v", m.params.System)
	}
}

func TestNewAnthropicCallerFromEnvMissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "  ")
	if _, err := NewAnthropicCallerFromEnv("", 0); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestClassifyTransportError(t *testing.T) {
	apiErr := func(code int) error {
		return &anthropic.Error{
			StatusCode: code,
			Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
			Response:   &http.Response{StatusCode: code},
		}
	}
	for _, tc := range []struct {
		err  error
		want FailureClass
	}{
		{err: context.DeadlineExceeded, want: ClassTimeout},
		{err: apiErr(429), want: ClassRateLimit},
		{err: apiErr(529), want: ClassServer},
		{err: apiErr(401), want: ClassClient},
		{err: errors.New("status code: 400 bad request"), want: ClassClient},
		{err: errors.New("status=503 upstream error"), want: ClassServer},
		{err: errors.New("failed after 5 retries while waiting 4 seconds"), want: ClassServer},
		{err: errors.New("Rate limit reached"), want: ClassRateLimit},
	} {
		if got := classifyTransportError(tc.err); got != tc.want {
			t.Fatalf("classify(%v) got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	if backoffDelay(1) != time.Second || backoffDelay(2) != 2*time.Second || backoffDelay(3) != 4*time.Second {
		t.Fatal("unexpected backoff schedule")
	}
}
