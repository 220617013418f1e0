// Package llm adapts an OpenAI-compatible chat completion endpoint to the
// domain.TextGenerator contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/quantdesk/rebalancer/internal/modules/workflow"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds the provider settings
type Config struct {
	BaseURL string // Empty uses the public OpenAI endpoint
	APIKey  string
	Model   string
}

// Client generates text through go-openai
type Client struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewClient creates a text generation client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		log:    log.With().Str("client", "llm").Logger(),
	}
}

// Generate sends one chat completion. Output cut off by the budget is
// returned as-is; the caller's parser detects truncation.
func (c *Client) Generate(ctx context.Context, prompt, systemPrompt string, maxOutputUnits int) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxOutputUnits,
	})
	if err != nil {
		return "", c.translate(err)
	}
	if len(resp.Choices) == 0 {
		return "", workflow.Errorf(workflow.CategoryAIError, "no choices in completion response")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		c.log.Debug().
			Int("max_output_units", maxOutputUnits).
			Int("completion_tokens", resp.Usage.CompletionTokens).
			Msg("Completion stopped at output budget")
	}
	return choice.Message.Content, nil
}

// translate attaches a category from the HTTP status while keeping the
// provider message, which may carry an affordable budget figure.
func (c *Client) translate(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	wrapped := fmt.Errorf("completion request failed (status %d): %w", status, err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return workflow.NewError(workflow.CategoryAPIKey, wrapped)
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return workflow.NewError(workflow.CategoryRateLimit, wrapped)
	case status == 0:
		// Transport failure; let the taxonomy match on the message
		return fmt.Errorf("completion request failed: %w", err)
	default:
		c.log.Warn().Err(err).Int("status", status).Msg("Completion request failed")
		return workflow.NewError(workflow.CategoryAIError, wrapped)
	}
}
