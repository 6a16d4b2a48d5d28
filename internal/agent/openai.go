package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.groq.com/openai"
	defaultOpenAIModel   = "deepseek-r1-distill-llama-70b"

	maxErrorBodyBytes = 2048
)

var reasoningBlockPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIAgent talks to any OpenAI-compatible chat completions endpoint.
type OpenAIAgent struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIAgent(cfg OpenAIConfig) (*OpenAIAgent, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAgent{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)},
	}, nil
}

func (a *OpenAIAgent) Ask(ctx context.Context, req Request) (Answer, error) {
	if err := validateRequest(req); err != nil {
		return Answer{}, err
	}
	body, err := json.Marshal(buildChatPayload(a.model, a.temperature, req))
	if err != nil {
		return Answer{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Answer{}, fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Answer{}, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Answer{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, truncate(string(rawRespBody), maxErrorBodyBytes))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Answer{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Answer{}, fmt.Errorf("empty chat completion choices")
	}

	text := stripReasoning(parsed.Choices[0].Message.Content)
	if text == "" {
		return Answer{}, fmt.Errorf("model returned an empty answer")
	}
	return Answer{
		Text:     text,
		Provider: ProviderOpenAI,
		Model:    a.model,
	}, nil
}

func buildChatPayload(model string, temperature float64, req Request) map[string]any {
	messages := make([]map[string]string, 0, 2)
	if strings.TrimSpace(req.Instructions) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.Instructions})
	}
	messages = append(messages, map[string]string{"role": "user", "content": strings.TrimSpace(req.Question)})
	return map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
	}
}

// stripReasoning drops <think> blocks emitted by reasoning models.
func stripReasoning(value string) string {
	cleaned := reasoningBlockPattern.ReplaceAllString(value, "")
	if idx := strings.Index(cleaned, "<think>"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	return strings.TrimSpace(cleaned)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
