package external

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"marketpulse/internal/config"
	"marketpulse/internal/types"
)

const generationUserAgent = "marketpulse-worker/1.0"

// GenerationRequest is one prompt for the generation service.
type GenerationRequest struct {
	System    string
	Prompt    string
	JSON      bool
	MaxTokens int
}

// GenerationResponse is the service's answer plus usage-derived cost.
type GenerationResponse struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	// Metered is false when the service reported no token usage.
	Metered bool `json:"metered"`
}

// Generator is the generation-service capability executors depend on.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}

// GenerationClient calls an OpenAI-compatible chat completion endpoint
// through BaseClient. It is built once at startup and shared.
type GenerationClient struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	inputPrice  float64
	outputPrice float64
}

// NewGenerationClient builds a client from configuration. httpClient may be
// nil, in which case a plain *http.Client is used under the breaker.
func NewGenerationClient(cfg config.GenerationConfig, httpClient HTTPDoer, opts ...BaseClientOption) *GenerationClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	policy := DefaultRetryPolicy()
	policy.MaxRetries = cfg.HTTPMaxRetries

	oc := openai.DefaultConfig(cfg.APIKey.Unmask())
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = NewBaseClient(httpClient, "generation", policy, generationUserAgent, opts...)

	return &GenerationClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		inputPrice:  cfg.InputPricePer1K,
		outputPrice: cfg.OutputPricePer1K,
	}
}

// Generate sends one chat completion bounded by the configured timeout.
func (g *GenerationClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chat := openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.JSON {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		return nil, classifyGenerationError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamMalformed, "generation response has no content", nil)
	}

	out := &GenerationResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Metered:      resp.Usage.TotalTokens > 0,
	}
	out.Cost = g.price(out.InputTokens, out.OutputTokens)
	return out, nil
}

func (g *GenerationClient) price(in, out int) float64 {
	return float64(in)/1000*g.inputPrice + float64(out)/1000*g.outputPrice
}

func classifyGenerationError(ctx context.Context, err error) error {
	var ae *types.AppError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "generation call timed out", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "generation service rate limited", err)
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return types.NewAppError(types.ErrCodeUpstreamMalformed, "generation service rejected the request", err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 &&
		reqErr.HTTPStatusCode != http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamMalformed, "generation service rejected the request", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamGeneration, "generation service call failed", err)
}
