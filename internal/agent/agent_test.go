package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sqlchat/sqlchat/internal/config"
)

func TestNewSelectsProvider(t *testing.T) {
	a, err := New(context.Background(), config.AgentConfig{Provider: "OpenAI", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	wrapped, ok := a.(*instrumented)
	if !ok {
		t.Fatalf("New() type = %T, want *instrumented", a)
	}
	if _, ok := wrapped.next.(*OpenAIAgent); !ok {
		t.Fatalf("backend type = %T, want *OpenAIAgent", wrapped.next)
	}
	if wrapped.provider != ProviderOpenAI {
		t.Fatalf("provider = %q", wrapped.provider)
	}

	if _, err := New(context.Background(), config.AgentConfig{Provider: "anthropic", APIKey: "k"}); err == nil {
		t.Fatal("New() expected error for unsupported provider")
	}
	if _, err := New(context.Background(), config.AgentConfig{Provider: "openai"}); err == nil {
		t.Fatal("New() expected error without api key")
	}
}

func TestWithMetricsPassesThrough(t *testing.T) {
	wantErr := errors.New("timeout")
	next := agentFunc(func(_ context.Context, req Request) (Answer, error) {
		if req.Question == "fail" {
			return Answer{}, wantErr
		}
		return Answer{Text: "ok:" + req.Question}, nil
	})
	a := WithMetrics(next, "test")

	answer, err := a.Ask(context.Background(), Request{Question: "q"})
	if err != nil || answer.Text != "ok:q" {
		t.Fatalf("Ask() = %+v, %v", answer, err)
	}
	if _, err := a.Ask(context.Background(), Request{Question: "fail"}); !errors.Is(err, wantErr) {
		t.Fatalf("Ask() error = %v, want %v", err, wantErr)
	}
}

func TestTimeoutOrDefault(t *testing.T) {
	if got := timeoutOrDefault(0); got != defaultTimeout {
		t.Fatalf("timeoutOrDefault(0) = %s", got)
	}
	if got := timeoutOrDefault(3 * time.Second); got != 3*time.Second {
		t.Fatalf("timeoutOrDefault(3s) = %s", got)
	}
}

type agentFunc func(ctx context.Context, req Request) (Answer, error)

func (f agentFunc) Ask(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}
