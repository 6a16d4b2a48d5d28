// Package agent sends a composed instruction payload and a user question to
// a hosted language model and returns its answer.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/observability"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	defaultTimeout = 60 * time.Second
)

type Request struct {
	Instructions string `json:"instructions"`
	Question     string `json:"question"`
}

type Answer struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Agent answers one question per call. Implementations do not retry.
type Agent interface {
	Ask(ctx context.Context, req Request) (Answer, error)
}

// New builds the backend named by cfg.Provider, wrapped with request
// metrics.
func New(ctx context.Context, cfg config.AgentConfig) (Agent, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	var (
		backend Agent
		err     error
	)
	switch provider {
	case "", ProviderOpenAI:
		provider = ProviderOpenAI
		backend, err = NewOpenAIAgent(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case ProviderGemini:
		backend, err = NewGeminiAgent(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported agent provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s agent: %w", provider, err)
	}
	return WithMetrics(backend, provider), nil
}

// WithMetrics records request counts and latency for every Ask.
func WithMetrics(next Agent, provider string) Agent {
	return &instrumented{next: next, provider: provider, now: time.Now}
}

type instrumented struct {
	next     Agent
	provider string
	now      func() time.Time
}

func (i *instrumented) Ask(ctx context.Context, req Request) (Answer, error) {
	started := i.now()
	answer, err := i.next.Ask(ctx, req)
	observability.ObserveAgentRequest(i.provider, err, i.now().Sub(started))
	return answer, err
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Question) == "" {
		return fmt.Errorf("question is required")
	}
	return nil
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultTimeout
	}
	return timeout
}
