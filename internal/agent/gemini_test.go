package agent

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestGeminiAgentUsesSystemInstruction(t *testing.T) {
	fake := &fakeGenerator{response: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "There are 275 artists."}}},
		}},
	}}
	agent := newGeminiAgent(fake, GeminiConfig{Temperature: 0.2})

	answer, err := agent.Ask(context.Background(), Request{
		Instructions: "payload",
		Question:     " How many artists? ",
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Text != "There are 275 artists." || answer.Provider != ProviderGemini || answer.Model != defaultGeminiModel {
		t.Fatalf("Answer = %+v", answer)
	}
	if fake.model != defaultGeminiModel {
		t.Fatalf("model = %q", fake.model)
	}
	if fake.config == nil || fake.config.SystemInstruction == nil {
		t.Fatal("SystemInstruction not set")
	}
	if got := fake.config.SystemInstruction.Parts[0].Text; got != "payload" {
		t.Fatalf("SystemInstruction = %q", got)
	}
	if fake.config.Temperature == nil || *fake.config.Temperature != float32(0.2) {
		t.Fatalf("Temperature = %v", fake.config.Temperature)
	}
	if len(fake.contents) != 1 || fake.contents[0].Parts[0].Text != "How many artists?" {
		t.Fatalf("contents = %+v", fake.contents)
	}
}

func TestGeminiAgentPropagatesErrors(t *testing.T) {
	agent := newGeminiAgent(&fakeGenerator{err: errors.New("quota exceeded")}, GeminiConfig{Model: "gemini-2.5-pro"})
	if _, err := agent.Ask(context.Background(), Request{Question: "hi"}); err == nil {
		t.Fatal("Ask() expected error")
	}

	empty := newGeminiAgent(&fakeGenerator{response: &genai.GenerateContentResponse{}}, GeminiConfig{})
	if _, err := empty.Ask(context.Background(), Request{Question: "hi"}); err == nil {
		t.Fatal("Ask() expected error for empty candidates")
	}
}

func TestNewGeminiAgentRequiresKey(t *testing.T) {
	if _, err := NewGeminiAgent(context.Background(), GeminiConfig{}); err == nil {
		t.Fatal("NewGeminiAgent() expected error without api key")
	}
}

type fakeGenerator struct {
	response *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	return f.response, f.err
}
