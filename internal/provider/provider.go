package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies one backend from the fixed allow list. Free-form values are
// rejected before any request is constructed.
type Kind string

const (
	KindOCRGeneral Kind = "ocr-general"
	KindVisionDeep Kind = "vision-deep"
	KindLLMGrader  Kind = "llm-grader"
)

var allowList = map[Kind]bool{
	KindOCRGeneral: true,
	KindVisionDeep: true,
	KindLLMGrader:  true,
}

func (k Kind) Allowed() bool {
	return allowList[k]
}

func (k Kind) String() string {
	return string(k)
}

var ErrUnknownKind = errors.New("provider kind not in allow list")

// RateLimitedError carries the provider's retry-after hint so the orchestrator
// can decide whether remaining budget justifies a wait.
type RateLimitedError struct {
	Kind       Kind
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry after %s", e.Kind, e.RetryAfter)
}

type TimeoutError struct {
	Kind    Kind
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s call timed out after %s", e.Kind, e.Elapsed)
}

type Request struct {
	SystemPrompt string
	UserPrompt   string
	ImageURLs    []string
	Temperature  float32
	MaxTokens    int
	Timeout      time.Duration
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Truncated reports whether the provider stopped at its output-token ceiling.
func (r *Response) Truncated() bool {
	return r.FinishReason == "length"
}

// CallRecord is the accounting row returned for every call, success or failure,
// so the budget controller can charge it immediately.
type CallRecord struct {
	Kind      Kind
	StartedAt time.Time
	Duration  time.Duration
	Usage     Usage
	Err       string
}

// Invoker is the call contract the orchestrator consumes. The adapter applies
// the allow list and per-call timeout; retry policy stays with the caller.
type Invoker interface {
	Invoke(ctx context.Context, kind Kind, req Request) (*Response, CallRecord, error)
}
