package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAgent sends the payload as the system instruction of a Gemini
// generateContent call.
type GeminiAgent struct {
	models      contentGenerator
	model       string
	temperature float32
	timeout     time.Duration
}

func NewGeminiAgent(ctx context.Context, cfg GeminiConfig) (*GeminiAgent, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiAgent(client.Models, cfg), nil
}

func newGeminiAgent(models contentGenerator, cfg GeminiConfig) *GeminiAgent {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiAgent{
		models:      models,
		model:       model,
		temperature: float32(cfg.Temperature),
		timeout:     timeoutOrDefault(cfg.Timeout),
	}
}

func (a *GeminiAgent) Ask(ctx context.Context, req Request) (Answer, error) {
	if err := validateRequest(req); err != nil {
		return Answer{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(a.temperature),
	}
	if strings.TrimSpace(req.Instructions) != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}

	resp, err := a.models.GenerateContent(ctx, a.model, genai.Text(strings.TrimSpace(req.Question)), genConfig)
	if err != nil {
		return Answer{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Answer{}, fmt.Errorf("empty generate content candidates")
	}
	text := stripReasoning(resp.Text())
	if text == "" {
		return Answer{}, fmt.Errorf("model returned an empty answer")
	}
	return Answer{
		Text:     text,
		Provider: ProviderGemini,
		Model:    a.model,
	}, nil
}
