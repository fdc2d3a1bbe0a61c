// Package openai implements inspection.VisionModel on the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1/"

// Limiter throttles outbound model calls.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config holds the endpoint and sampling parameters.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client sends multimodal audit requests and returns the raw JSON text.
type Client struct {
	cfg     Config
	api     openai.Client
	limiter Limiter
}

var _ inspection.VisionModel = (*Client)(nil)

// New builds a Client. The caller's context bounds each call; httpClient may be nil.
func New(cfg Config, httpClient *http.Client, limiter Limiter) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required: %w", inspection.ErrMissingConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model api key is required: %w", inspection.ErrMissingConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}
	// Job-level retries belong to the worker.
	api := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return &Client{cfg: cfg, api: api, limiter: limiter}, nil
}

// Complete runs one chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, request inspection.ModelRequest) (string, error) {
	if c == nil {
		return "", errors.New("vision client is nil")
	}
	if len(request.Parts) == 0 {
		return "", errors.New("model request has no content")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.BaseURL); err != nil {
			return "", err
		}
	}

	completion, err := c.api.Chat.Completions.New(ctx, c.buildParams(request))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			// Skip classification reads the provider's message text.
			return "", fmt.Errorf("model error %d: %s: %w", apiErr.StatusCode, apiErr.Message, err)
		}
		return "", fmt.Errorf("model call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("model returned empty content")
	}
	return content, nil
}

func (c *Client) buildParams(request inspection.ModelRequest) openai.ChatCompletionNewParams {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(request.Parts))
	for _, p := range request.Parts {
		if p.ImageURL != "" {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL:    p.ImageURL,
				Detail: "high",
			}))
			continue
		}
		parts = append(parts, openai.TextContentPart(p.Text))
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system := strings.TrimSpace(request.System); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(parts))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.cfg.Model),
		Messages:    messages,
		Temperature: openai.Float(c.cfg.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	return params
}
