package llm

import (
	"context"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/resilience"
	"github.com/refsift/refsift/internal/rules"
)

const defaultAnthropicModel = "claude-haiku-4-5-20251001"

// AnthropicOption configures the Anthropic classifier.
type AnthropicOption func(*AnthropicClassifier)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(m string) AnthropicOption {
	return func(c *AnthropicClassifier) {
		if m != "" {
			c.model = m
		}
	}
}

// WithAnthropicBaseURL points the SDK at an alternate endpoint. Used in
// tests against httptest servers.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClassifier) {
		c.client = sdk.NewClient(option.WithAPIKey(c.apiKey), option.WithBaseURL(url), option.WithMaxRetries(0))
	}
}

// WithAnthropicBreaker guards calls with a shared circuit breaker.
func WithAnthropicBreaker(cb *resilience.CircuitBreaker) AnthropicOption {
	return func(c *AnthropicClassifier) {
		c.breaker = cb
	}
}

// AnthropicClassifier screens entries through the Anthropic Messages API.
type AnthropicClassifier struct {
	apiKey  string
	model   string
	client  sdk.Client
	breaker *resilience.CircuitBreaker
}

// NewAnthropicClassifier creates a classifier backed by the official SDK.
// The SDK's own retry loop is disabled so the caller's retry policy governs.
func NewAnthropicClassifier(apiKey string, opts ...AnthropicOption) *AnthropicClassifier {
	c := &AnthropicClassifier{
		apiKey: apiKey,
		model:  defaultAnthropicModel,
		client: sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *AnthropicClassifier) Classify(ctx context.Context, entry model.Entry, doc rules.Document) (*model.Decision, error) {
	call := func(ctx context.Context) (*sdk.Message, error) {
		msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
			Model:       sdk.Model(c.model),
			MaxTokens:   1024,
			Temperature: sdk.Float(0),
			System:      []sdk.TextBlockParam{{Text: systemPrompt}},
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(entry, doc))),
			},
		})
		if err != nil {
			return nil, classifyAnthropicError(err)
		}
		return msg, nil
	}

	start := time.Now()
	var msg *sdk.Message
	var err error
	if c.breaker != nil {
		msg, err = resilience.ExecuteVal(ctx, c.breaker, call)
	} else {
		msg, err = call(ctx)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "llm: anthropic classify entry %s", entry.ID)
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}

	dec, err := parseDecision(text, doc)
	if err != nil {
		return nil, eris.Wrapf(err, "llm: anthropic entry %s", entry.ID)
	}
	dec.Model = string(msg.Model)
	dec.TokensUsed = msg.Usage.InputTokens + msg.Usage.OutputTokens
	dec.LatencyMS = elapsedMS(start)

	zap.L().Debug("anthropic screen call",
		zap.String("entry", entry.ID),
		zap.String("verdict", dec.Verdict),
		zap.Int64("tokens", dec.TokensUsed),
		zap.Int64("latency_ms", dec.LatencyMS),
	)
	return dec, nil
}

// classifyAnthropicError marks retryable SDK errors as transient so the
// caller's backoff applies.
func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if eris.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			if apiErr.StatusCode == 429 {
				return resilience.NewRateLimitError(err, retryAfterFrom(apiErr))
			}
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return err
	}
	return err
}

func retryAfterFrom(apiErr *sdk.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	if v := apiErr.Response.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
