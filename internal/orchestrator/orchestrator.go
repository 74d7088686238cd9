package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/provider"
	"github.com/grading-agent/backend/pkg/logger"
)

// Classifier turns an aggregation draft into the final reviewed result.
type Classifier interface {
	Classify(runID string, pageIndex int, draft *grading.Draft, subject string, strict bool) *grading.Result
}

// TransitionFunc observes run state changes, e.g. to publish progress events.
type TransitionFunc func(run *Run, to RunStatus)

// rateLimitFloor is the minimum wall-clock budget that must remain after a
// provider's retry-after hint for a wait-and-retry to be worth it.
const rateLimitFloor = 5 * time.Second

// aggregateGrace bounds the best-effort aggregation attempted after the run's
// own clock has already expired.
const aggregateGrace = 15 * time.Second

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// Orchestrator drives the plan/act/reflect/aggregate loop for one run under
// budget supervision.
type Orchestrator struct {
	invoker      provider.Invoker
	classifier   Classifier
	onTransition TransitionFunc
}

func New(invoker provider.Invoker, classifier Classifier, onTransition TransitionFunc) *Orchestrator {
	return &Orchestrator{
		invoker:      invoker,
		classifier:   classifier,
		onTransition: onTransition,
	}
}

// Execute runs the state machine to a terminal status. Failures are encoded
// on the returned Run, never raised: the job layer only aggregates statuses.
func (o *Orchestrator) Execute(ctx context.Context, spec RunSpec) *Run {
	run := &Run{
		ID:        spec.RunID,
		JobID:     spec.JobID,
		PageIndex: spec.PageIndex,
		Subject:   spec.Subject,
		Strict:    spec.Strict,
		Status:    StatusInit,
		StartedAt: time.Now(),
	}

	if err := validateSpec(spec); err != nil {
		o.fail(run, nil, FailureInvalidSubmission, err)
		return run
	}

	ceilings := spec.Ceilings
	if spec.FastPath {
		// The fast path gets its single OCR pass and nothing more.
		ceilings.MaxIterations = 1
	}
	ctrl := budget.NewController(ceilings)

	runCtx := ctx
	cancel := func() {}
	if ceilings.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ceilings.MaxDuration)
	}
	defer cancel()

	logger.Info("Run started",
		zap.String("run_id", run.ID),
		zap.String("job_id", run.JobID),
		zap.String("subject", run.Subject),
		zap.Bool("fast_path", spec.FastPath),
	)

	var (
		evidence   []string
		inspected  []grading.BoundingBox
		pending    []grading.BoundingBox
		rootCause  error
		denyReason budget.DenyReason
	)

	for {
		ok, reason := ctrl.Authorize(spec.IterationTokenEstimate)
		if !ok {
			// Budget denial is a controlled early stop, not an error.
			denyReason = reason
			logger.Info("Budget denied next iteration",
				zap.String("run_id", run.ID),
				zap.String("reason", string(reason)),
			)
			break
		}

		iter := Iteration{Index: len(run.Iterations), At: time.Now()}

		o.transition(run, StatusPlanning)
		iter.Plan = planIteration(spec, iter.Index, pending)

		o.transition(run, StatusActing)
		gathered, cause := o.act(runCtx, spec, ctrl, &iter)
		evidence = append(evidence, gathered...)
		if cause != nil {
			rootCause = cause
		}

		for _, call := range iter.Plan.Calls {
			if call.Region != nil {
				inspected = append(inspected, *call.Region)
			}
		}

		if spec.FastPath {
			iter.Verdict = VerdictStop
			run.Iterations = append(run.Iterations, iter)
			break
		}

		o.transition(run, StatusReflecting)
		iter.Verdict, pending = reflect(evidence, inspected)
		run.Iterations = append(run.Iterations, iter)

		if iter.Verdict == VerdictStop || runCtx.Err() != nil {
			break
		}
	}

	// Wall-clock expiry is terminal as TimedOut from every state, whether it
	// surfaced through the run context or the controller's own clock.
	expired := runCtx.Err() != nil || denyReason == budget.DenyTimeCeiling

	if len(run.Iterations) == 0 && len(evidence) == 0 {
		cause := errors.New("run budget exhausted before first iteration")
		if expired {
			o.finishTimedOut(run, ctrl, cause)
		} else {
			o.fail(run, ctrl, FailureTimeout, cause)
		}
		return run
	}

	if len(evidence) == 0 {
		if rootCause == nil {
			rootCause = errors.New("no evidence collected")
		}
		if expired {
			o.finishTimedOut(run, ctrl, rootCause)
		} else {
			o.fail(run, ctrl, failureCodeFor(rootCause), rootCause)
		}
		return run
	}

	o.transition(run, StatusAggregating)

	timedOut := expired
	aggCtx := runCtx
	if timedOut {
		// The run clock expired; still offer the partial evidence to the
		// synthesis step under a short grace window.
		var aggCancel context.CancelFunc
		aggCtx, aggCancel = context.WithTimeout(context.Background(), aggregateGrace)
		defer aggCancel()
	}

	draft, err := o.aggregate(aggCtx, spec, ctrl, run, evidence)
	if err != nil && !timedOut && runCtx.Err() != nil {
		// The clock ran out mid-synthesis; give the evidence one best-effort
		// pass under the grace window before conceding.
		timedOut = true
		graceCtx, graceCancel := context.WithTimeout(context.Background(), aggregateGrace)
		defer graceCancel()
		draft, err = o.aggregate(graceCtx, spec, ctrl, run, evidence)
	}
	if err != nil {
		if timedOut {
			if rootCause == nil {
				rootCause = err
			}
			o.finishTimedOut(run, ctrl, rootCause)
			return run
		}
		o.fail(run, ctrl, failureCodeFor(err), err)
		return run
	}

	run.Result = o.classifier.Classify(run.ID, spec.PageIndex, draft, spec.Subject, spec.Strict)
	run.Spend = ctrl.Spent()

	if timedOut {
		o.finishTimedOut(run, ctrl, rootCause)
		return run
	}

	run.FinishedAt = time.Now()
	o.transition(run, StatusDone)

	logger.Info("Run completed",
		zap.String("run_id", run.ID),
		zap.Int("iterations", run.Spend.Iterations),
		zap.Int("tokens", run.Spend.Tokens),
		zap.Duration("provider_time", run.Spend.ProviderTime),
		zap.Int("parse_retries", run.ParseRetries),
		zap.Float64("confidence", run.Result.Confidence),
		zap.String("classification", string(run.Result.Classification)),
	)

	return run
}

// act issues the planned calls as a bounded-parallel batch, charging each
// call's cost as soon as it completes. A rate-limited call is retried once
// after the provider's hint when enough wall-clock budget remains.
func (o *Orchestrator) act(ctx context.Context, spec RunSpec, ctrl *budget.Controller, iter *Iteration) ([]string, error) {
	type outcome struct {
		content string
		record  provider.CallRecord
		err     error
	}

	outcomes := make([]outcome, len(iter.Plan.Calls))

	var wg sync.WaitGroup
	for i, call := range iter.Plan.Calls {
		wg.Add(1)
		go func(i int, call PlannedCall) {
			defer wg.Done()

			req := buildCallRequest(spec, call)
			resp, record, err := o.invoker.Invoke(ctx, call.Kind, req)
			ctrl.Charge(budget.Cost{Tokens: record.Usage.TotalTokens, Elapsed: record.Duration})

			var rl *provider.RateLimitedError
			if errors.As(err, &rl) && ctrl.Remaining() > rl.RetryAfter+rateLimitFloor {
				select {
				case <-ctx.Done():
				case <-time.After(rl.RetryAfter):
					resp, record, err = o.invoker.Invoke(ctx, call.Kind, req)
					ctrl.Charge(budget.Cost{Tokens: record.Usage.TotalTokens, Elapsed: record.Duration})
				}
			}

			if err != nil {
				outcomes[i] = outcome{record: record, err: err}
				return
			}
			outcomes[i] = outcome{content: resp.Content, record: record}
		}(i, call)
	}
	wg.Wait()

	var gathered []string
	var cause error
	for _, out := range outcomes {
		iter.Calls = append(iter.Calls, out.record)
		if out.err != nil {
			cause = out.err
			continue
		}
		gathered = append(gathered, out.content)
	}

	return gathered, cause
}

// aggregate performs the synthesis call. Truncated or schema-invalid output
// is retried exactly once with an enlarged output ceiling; the retry is
// charged and counted like any other call.
func (o *Orchestrator) aggregate(ctx context.Context, spec RunSpec, ctrl *budget.Controller, run *Run, evidence []string) (*grading.Draft, error) {
	maxTokens := spec.AggregateMaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	resp, err := o.invokeAggregate(ctx, spec, ctrl, run, evidence, maxTokens)
	if err != nil {
		return nil, err
	}

	draft, perr := parseDraft(resp.Content)
	if perr == nil && !resp.Truncated() {
		return draft, nil
	}

	run.ParseRetries++
	retryTokens := spec.AggregateRetryTokens
	if retryTokens <= maxTokens {
		retryTokens = maxTokens * 2
	}

	logger.Warn("Aggregation output unusable, retrying with enlarged output ceiling",
		zap.String("run_id", run.ID),
		zap.Bool("truncated", resp.Truncated()),
		zap.Int("retry_max_tokens", retryTokens),
	)

	resp, err = o.invokeAggregate(ctx, spec, ctrl, run, evidence, retryTokens)
	if err != nil {
		return nil, err
	}

	draft, perr = parseDraft(resp.Content)
	if perr != nil {
		return nil, &parseError{err: perr}
	}
	return draft, nil
}

func (o *Orchestrator) invokeAggregate(ctx context.Context, spec RunSpec, ctrl *budget.Controller, run *Run, evidence []string, maxTokens int) (*provider.Response, error) {
	req := buildAggregateRequest(spec, evidence, maxTokens)

	resp, record, err := o.invoker.Invoke(ctx, provider.KindLLMGrader, req)
	ctrl.Charge(budget.Cost{Tokens: record.Usage.TotalTokens, Elapsed: record.Duration})
	run.AggregateCalls = append(run.AggregateCalls, record)

	var rl *provider.RateLimitedError
	if errors.As(err, &rl) && ctrl.Remaining() > rl.RetryAfter+rateLimitFloor {
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(rl.RetryAfter):
		}
		resp, record, err = o.invoker.Invoke(ctx, provider.KindLLMGrader, req)
		ctrl.Charge(budget.Cost{Tokens: record.Usage.TotalTokens, Elapsed: record.Duration})
		run.AggregateCalls = append(run.AggregateCalls, record)
	}

	return resp, err
}

func (o *Orchestrator) transition(run *Run, to RunStatus) {
	run.Status = to
	if o.onTransition != nil {
		o.onTransition(run, to)
	}
}

func (o *Orchestrator) fail(run *Run, ctrl *budget.Controller, code FailureCode, cause error) {
	if ctrl != nil {
		run.Spend = ctrl.Spent()
	}
	run.FailureCode = code
	run.FailureCause = cause.Error()
	run.FinishedAt = time.Now()
	o.transition(run, StatusFailed)

	logger.Warn("Run failed",
		zap.String("run_id", run.ID),
		zap.String("code", string(code)),
		zap.String("cause", run.FailureCause),
	)
}

func (o *Orchestrator) finishTimedOut(run *Run, ctrl *budget.Controller, cause error) {
	run.Spend = ctrl.Spent()
	run.FailureCode = FailureTimeout
	if cause != nil {
		run.FailureCause = cause.Error()
	} else {
		run.FailureCause = "run wall-clock budget expired"
	}
	run.FinishedAt = time.Now()
	o.transition(run, StatusTimedOut)

	logger.Warn("Run timed out",
		zap.String("run_id", run.ID),
		zap.Bool("partial_result", run.Result != nil),
		zap.String("cause", run.FailureCause),
	)
}

func validateSpec(spec RunSpec) error {
	if spec.RunID == "" {
		return errors.New("run id is required")
	}
	if spec.Subject == "" {
		return errors.New("subject is required")
	}
	if spec.PageURL == "" {
		return errors.New("page image reference is required")
	}
	return nil
}

func failureCodeFor(err error) FailureCode {
	var rl *provider.RateLimitedError
	if errors.As(err, &rl) {
		return FailureRateLimited
	}

	var to *provider.TimeoutError
	if errors.As(err, &to) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var pe *parseError
	if errors.As(err, &pe) {
		return FailureParse
	}

	return FailureProvider
}
