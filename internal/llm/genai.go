// Package llm wraps the Gemini API behind the narrow completion and
// embedding interfaces the pipeline consumes. Everything model-specific
// stays here; callers only see strings and vectors.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"twincore/internal/logging"
)

// Client is a Gemini-backed completion and embedding client. The realizer
// and judges may use different models; each stage constructs its own Client
// over the shared connection.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient connects to the Gemini API. model defaults to gemini-2.5-flash.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// WithModel returns a client over the same connection targeting a different
// model. Used to point the judges at a cheaper model than the realizer.
func (c *Client) WithModel(model string) *Client {
	if model == "" {
		return c
	}
	return &Client{client: c.client, model: model}
}

// Model returns the model id completions run against.
func (c *Client) Model() string {
	return c.model
}

// Complete runs a single-turn completion without a system prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem runs a single-turn completion under a system prompt.
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryRealizer, "CompleteWithSystem")
	defer timer.Stop()

	var config *genai.GenerateContentConfig
	if systemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned empty completion")
	}
	return text, nil
}

// Embed generates an embedding for one text, used for vector-tier grounding.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		model = "gemini-embedding-001"
	}

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := c.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentRequest{
		TaskType: genai.TaskTypeSemanticSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
