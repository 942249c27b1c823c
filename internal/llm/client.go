package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Message is a chat message in the provider-neutral format used by prompt
// builders throughout the pipeline.
type Message struct {
	Role    string
	Content string
}

// Client talks to any OpenAI-compatible chat completion endpoint
// (OpenRouter, Ollama's /v1 surface, OpenAI itself).
type Client struct {
	api *openai.Client
}

// New creates a Client for the given base URL and API key.
func New(baseURL, apiKey string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	return &Client{api: openai.NewClientWithConfig(cfg)}
}

// Chat sends messages to the given model and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	return c.complete(ctx, model, messages, nil)
}

// ChatJSON is Chat with JSON mode enabled, for prompts that demand a strict
// JSON object reply.
func (c *Client) ChatJSON(ctx context.Context, model string, messages []Message) (string, error) {
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	return c.complete(ctx, model, messages, format)
}

func (c *Client) complete(ctx context.Context, model string, messages []Message, format *openai.ChatCompletionResponseFormat) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:          model,
		Messages:       make([]openai.ChatCompletionMessage, len(messages)),
		ResponseFormat: format,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("chat completion returned no choices")
			}
			return resp.Choices[0].Message.Content, nil
		}

		if !isRateLimit(err) {
			return "", fmt.Errorf("chat completion: %w", err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
