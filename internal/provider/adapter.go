package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/pkg/circuitbreaker"
	"github.com/grading-agent/backend/pkg/logger"
)

// Endpoint configures one allow-listed backend. Base URL and model come from
// configuration only, never from caller-supplied text.
type Endpoint struct {
	Model          string
	APIKey         string
	BaseURL        string
	DefaultTimeout time.Duration
}

type backend struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker
}

// Adapter is the uniform call surface over the vision, OCR, and LLM backends.
// It does not retry: the orchestrator owns retry policy because it knows the
// remaining budget.
type Adapter struct {
	backends map[Kind]*backend
}

func NewAdapter(endpoints map[Kind]Endpoint) (*Adapter, error) {
	backends := make(map[Kind]*backend, len(endpoints))

	for kind, ep := range endpoints {
		if !kind.Allowed() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}

		cfg := openai.DefaultConfig(ep.APIKey)
		if ep.BaseURL != "" {
			cfg.BaseURL = ep.BaseURL
		}

		timeout := ep.DefaultTimeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}

		backends[kind] = &backend{
			client:  openai.NewClientWithConfig(cfg),
			model:   ep.Model,
			timeout: timeout,
			cb: circuitbreaker.NewCircuitBreaker(kind.String(), circuitbreaker.Config{
				MaxRequests:      5,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				IsFailure:        isBreakerFailure,
				Logger:           logger.GetLogger(),
			}),
		}
	}

	logger.Info("Provider adapter initialized", zap.Int("backends", len(backends)))

	return &Adapter{backends: backends}, nil
}

func (a *Adapter) Invoke(ctx context.Context, kind Kind, req Request) (*Response, CallRecord, error) {
	record := CallRecord{Kind: kind, StartedAt: time.Now()}

	if !kind.Allowed() {
		record.Err = ErrUnknownKind.Error()
		return nil, record, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	be, ok := a.backends[kind]
	if !ok {
		record.Err = "provider not configured"
		return nil, record, fmt.Errorf("%w: %q has no configured endpoint", ErrUnknownKind, kind)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = be.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *Response

	err := be.cb.Execute(ctx, func() error {
		r, err := be.client.CreateChatCompletion(ctx, buildChatRequest(be.model, req))
		if err != nil {
			return err
		}

		if len(r.Choices) == 0 {
			return fmt.Errorf("provider %s returned no choices", kind)
		}

		resp = &Response{
			Content:      r.Choices[0].Message.Content,
			FinishReason: string(r.Choices[0].FinishReason),
			Usage: Usage{
				PromptTokens:     r.Usage.PromptTokens,
				CompletionTokens: r.Usage.CompletionTokens,
				TotalTokens:      r.Usage.TotalTokens,
			},
		}
		return nil
	})

	record.Duration = time.Since(record.StartedAt)

	if err != nil {
		err = classifyError(kind, record.Duration, err)
		record.Err = err.Error()
		metrics.ProviderCalls.WithLabelValues(kind.String(), "error").Inc()

		logger.Warn("Provider call failed",
			zap.String("provider", kind.String()),
			zap.Duration("duration", record.Duration),
			zap.Error(err),
		)

		return nil, record, err
	}

	record.Usage = resp.Usage
	metrics.ProviderCalls.WithLabelValues(kind.String(), "success").Inc()
	metrics.TokensCharged.WithLabelValues(kind.String()).Add(float64(resp.Usage.TotalTokens))

	logger.Debug("Provider call completed",
		zap.String("provider", kind.String()),
		zap.Duration("duration", record.Duration),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return resp, record, nil
}

func buildChatRequest(model string, req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)

	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	if len(req.ImageURLs) > 0 {
		parts := []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.UserPrompt},
		}
		for _, url := range req.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// isBreakerFailure keeps 429 responses from tripping the breaker: a backend
// shedding load is still up, and opening on it would turn backpressure into
// an outage.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return false
	}
	return true
}

func classifyError(kind Kind, elapsed time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Kind: kind, Elapsed: elapsed}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return &RateLimitedError{Kind: kind, RetryAfter: 2 * time.Second}
	}

	return fmt.Errorf("provider %s call failed: %w", kind, err)
}
