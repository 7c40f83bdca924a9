package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/resilience"
	"github.com/refsift/refsift/internal/rules"
)

const (
	defaultLocalBaseURL = "http://localhost:11434/v1"
	defaultLocalModel   = "llama3.1:8b"
)

// chatRequest is the request body for POST /chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response from POST /chat/completions.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index   int         `json:"index"`
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// LocalOption configures the local classifier.
type LocalOption func(*LocalClassifier)

// WithLocalBaseURL overrides the default server URL.
func WithLocalBaseURL(url string) LocalOption {
	return func(c *LocalClassifier) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithLocalModel overrides the default model.
func WithLocalModel(m string) LocalOption {
	return func(c *LocalClassifier) {
		if m != "" {
			c.model = m
		}
	}
}

// WithLocalHTTPClient overrides the default http.Client.
func WithLocalHTTPClient(hc *http.Client) LocalOption {
	return func(c *LocalClassifier) {
		c.http = hc
	}
}

// WithLocalRateLimit caps requests per second against the local server.
func WithLocalRateLimit(rps float64) LocalOption {
	return func(c *LocalClassifier) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// LocalClassifier screens entries through an OpenAI-compatible
// /chat/completions endpoint.
type LocalClassifier struct {
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewLocalClassifier creates a classifier for a local model server.
func NewLocalClassifier(opts ...LocalOption) *LocalClassifier {
	c := &LocalClassifier{
		baseURL: defaultLocalBaseURL,
		model:   defaultLocalModel,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *LocalClassifier) Classify(ctx context.Context, entry model.Entry, doc rules.Document) (*model.Decision, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "llm: rate limit wait")
		}
	}

	temp := 0.0
	maxTokens := 1024
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(entry, doc)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: marshal request")
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "llm: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "llm: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "llm: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.NewRateLimitError(err, parseRetryAfter(resp.Header.Get("Retry-After")))
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "llm: unmarshal response")
	}
	if len(result.Choices) == 0 {
		return nil, eris.New("llm: response has no choices")
	}

	dec, err := parseDecision(result.Choices[0].Message.Content, doc)
	if err != nil {
		return nil, eris.Wrapf(err, "llm: local entry %s", entry.ID)
	}
	dec.Model = c.model
	if result.Model != "" {
		dec.Model = result.Model
	}
	dec.TokensUsed = result.Usage.PromptTokens + result.Usage.CompletionTokens
	dec.LatencyMS = elapsedMS(start)
	return dec, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
