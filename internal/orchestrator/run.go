package orchestrator

import (
	"time"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/provider"
)

type RunStatus string

const (
	StatusInit        RunStatus = "init"
	StatusPlanning    RunStatus = "planning"
	StatusActing      RunStatus = "acting"
	StatusReflecting  RunStatus = "reflecting"
	StatusAggregating RunStatus = "aggregating"
	StatusDone        RunStatus = "done"
	StatusFailed      RunStatus = "failed"
	StatusTimedOut    RunStatus = "timed_out"
)

func (s RunStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusTimedOut
}

type FailureCode string

const (
	FailureInvalidSubmission FailureCode = "invalid_submission"
	FailureProvider          FailureCode = "provider_failure"
	FailureRateLimited       FailureCode = "rate_limited"
	FailureTimeout           FailureCode = "timeout"
	FailureParse             FailureCode = "parse_failure"
)

type ReflectVerdict string

const (
	VerdictContinue ReflectVerdict = "continue"
	VerdictStop     ReflectVerdict = "stop"
)

// RunSpec describes one grading attempt for one page.
type RunSpec struct {
	RunID     string
	JobID     string
	PageIndex int
	Subject   string
	Strict    bool
	PageURL   string

	// FastPath skips the reflect loop: one deterministic OCR pass, then
	// aggregation.
	FastPath bool

	Ceilings               budget.Ceilings
	IterationTokenEstimate int
	AggregateMaxTokens     int
	AggregateRetryTokens   int
}

// Iteration is one plan/act/reflect cycle. Append-only; never edited after
// the cycle completes.
type Iteration struct {
	Index   int
	Plan    Plan
	Calls   []provider.CallRecord
	Verdict ReflectVerdict
	At      time.Time
}

// Run is the mutable state of one grading attempt. Only the orchestrator
// mutates it; once the status is terminal it is read-only.
type Run struct {
	ID        string
	JobID     string
	PageIndex int
	Subject   string
	Strict    bool

	Status         RunStatus
	Iterations     []Iteration
	AggregateCalls []provider.CallRecord
	ParseRetries   int
	Spend          budget.Spend

	FailureCode  FailureCode
	FailureCause string

	Result *grading.Result

	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded is true only for a clean Done; a TimedOut run may still carry a
// best-effort partial Result.
func (r *Run) Succeeded() bool {
	return r.Status == StatusDone
}
