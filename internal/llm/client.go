package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

const (
	defaultRateLimit   = 2.0
	defaultBurst       = 4
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	defaultMaxTokens   = 2048
)

// Request is a single-prompt completion request.
type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Options tune a Client.
type Options struct {
	Provider    string
	Model       string
	RateLimit   float64
	Burst       int
	MaxRetries  int
	BaseBackoff time.Duration
	// Timeout bounds a single provider call. Zero means no per-call bound.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Client sends prompts to a langchaingo model with rate limiting and
// retries on transient errors.
type Client struct {
	model       llms.Model
	provider    string
	modelName   string
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	timeout     time.Duration
	logger      *logging.Logger
}

// NewClient wraps model.
func NewClient(model llms.Model, opts Options) (*Client, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Client{
		model:       model,
		provider:    opts.Provider,
		modelName:   opts.Model,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		timeout:     opts.Timeout,
		logger:      opts.Logger.Named("llm"),
	}, nil
}

// Provider returns the resolved provider name.
func (c *Client) Provider() string { return c.provider }

// Model returns the model name.
func (c *Client) Model() string { return c.modelName }

// Complete returns the model's text response to req.
//
// Every failure other than ctx cancellation wraps ErrUnavailable.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts = append(opts, llms.WithMaxTokens(maxTokens))
	msgs := []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt)}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			c.logger.Warn(ctx, "retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		text, err := c.generate(ctx, msgs, opts)
		if err == nil {
			c.logger.Debug(ctx, "completion received",
				zap.String("provider", c.provider),
				zap.String("model", c.modelName),
				zap.Int("prompt_length", len(req.Prompt)),
				zap.Int("response_length", len(text)),
				zap.Duration("duration", time.Since(start)),
			)
			c.logger.Trace(ctx, "completion body", zap.String("prompt", req.Prompt), zap.String("response", text))
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		lastErr = classify(err)
		if !IsRetryable(lastErr) {
			return "", fmt.Errorf("%w: %s: %w", ErrUnavailable, c.provider, lastErr)
		}
	}
	return "", fmt.Errorf("%w: %s: max retries exceeded: %w", ErrUnavailable, c.provider, lastErr)
}

func (c *Client) generate(ctx context.Context, msgs []llms.MessageContent, opts []llms.CallOption) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if resp != nil {
		for _, choice := range resp.Choices {
			if choice != nil {
				return choice.Content, nil
			}
		}
	}
	return "", errors.New("empty response from provider")
}
