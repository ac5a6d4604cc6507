package producer

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"codeloop/internal/logging"
	"codeloop/internal/state"
)

// Generator is the slice of the genai client a GenAI producer needs.
// *genai.Models satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewGenAIClient creates a Gemini API client.
func NewGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GenAI produces text with a Gemini model.
type GenAI struct {
	gen    Generator
	model  string
	prompt Prompt
}

// NewGenAI creates a producer that sends the rendered prompt to model.
func NewGenAI(gen Generator, model string, prompt Prompt) *GenAI {
	return &GenAI{gen: gen, model: model, prompt: prompt}
}

// Model returns the model name.
func (g *GenAI) Model() string { return g.model }

// Prompt returns the prompt renderer, used by the cache middleware.
func (g *GenAI) Prompt() Prompt { return g.prompt }

func (g *GenAI) Produce(ctx context.Context, in state.View) (string, error) {
	text, err := g.prompt.Render(in)
	if err != nil {
		return "", Permanent(err)
	}

	timer := logging.StartTimer(logging.CategoryProducer, "generate "+g.model)
	resp, err := g.gen.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		nil,
	)
	timer.Stop()
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", g.model, err)
	}
	out := responseText(resp)
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("gemini %s: %w", g.model, ErrEmptyResponse)
	}
	logging.ProducerDebug("gemini %s: %d prompt bytes, %d response bytes", g.model, len(text), len(out))
	return out, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
