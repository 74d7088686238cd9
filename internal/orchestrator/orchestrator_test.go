package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/provider"
)

const validAggregateOutput = `{
  "certainty": 0.93,
  "findings": [
    {"question_index": 1, "box": [0.1, 0.1, 0.2, 0.9], "verdict": "correct", "knowledge_tag": "fractions"},
    {"question_index": 2, "box": [0.3, 0.1, 0.4, 0.9], "verdict": "incorrect", "knowledge_tag": "fractions", "expected_answer": "3/4"}
  ]
}`

type step struct {
	content string
	finish  string
	err     error
	tokens  int
	delay   time.Duration
}

// fakeInvoker pops scripted steps per kind; the last step repeats once the
// queue drains. Invoke runs from the act goroutines so it locks.
type fakeInvoker struct {
	mu    sync.Mutex
	steps map[provider.Kind][]step
	calls []provider.Kind
}

func (f *fakeInvoker) Invoke(ctx context.Context, kind provider.Kind, req provider.Request) (*provider.Response, provider.CallRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	queue := f.steps[kind]
	var s step
	if len(queue) == 0 {
		s = step{err: fmt.Errorf("no scripted response for %s", kind)}
	} else {
		s = queue[0]
		if len(queue) > 1 {
			f.steps[kind] = queue[1:]
		}
	}
	f.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}

	record := provider.CallRecord{
		Kind:      kind,
		StartedAt: time.Now(),
		Usage:     provider.Usage{TotalTokens: s.tokens},
	}
	if s.err != nil {
		record.Err = s.err.Error()
		return nil, record, s.err
	}
	return &provider.Response{Content: s.content, FinishReason: s.finish, Usage: record.Usage}, record, nil
}

func (f *fakeInvoker) kindCount(kind provider.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.calls {
		if k == kind {
			n++
		}
	}
	return n
}

type stubClassifier struct{}

func (stubClassifier) Classify(runID string, pageIndex int, draft *grading.Draft, subject string, strict bool) *grading.Result {
	return &grading.Result{
		RunID:          runID,
		PageIndex:      pageIndex,
		Findings:       draft.Findings,
		Confidence:     draft.Certainty,
		Classification: grading.ClassificationFinal,
		CreatedAt:      time.Now(),
	}
}

func baseSpec() RunSpec {
	return RunSpec{
		RunID:   "run-1",
		JobID:   "job-1",
		Subject: "math",
		PageURL: "https://img.example/page-0.jpg",
		Ceilings: budget.Ceilings{
			MaxIterations: 3,
			MaxTokens:     60000,
		},
		IterationTokenEstimate: 1000,
		AggregateMaxTokens:     4096,
		AggregateRetryTokens:   8192,
	}
}

func TestFastPathSingleIteration(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4\n2. 1/2+1/4=3/4", tokens: 800}},
		provider.KindLLMGrader:  {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true
	spec.Ceilings.MaxIterations = 3

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusDone {
		t.Fatalf("status = %s, want %s (cause: %s)", run.Status, StatusDone, run.FailureCause)
	}
	if len(run.Iterations) != 1 {
		t.Fatalf("iterations = %d, want 1", len(run.Iterations))
	}
	if run.Iterations[0].Verdict != VerdictStop {
		t.Errorf("fast path verdict = %s, want %s", run.Iterations[0].Verdict, VerdictStop)
	}
	if got := inv.kindCount(provider.KindVisionDeep); got != 0 {
		t.Errorf("vision calls = %d, want 0 on fast path", got)
	}
	if got := inv.kindCount(provider.KindOCRGeneral); got != 1 {
		t.Errorf("ocr calls = %d, want 1", got)
	}
	if run.Result == nil || len(run.Result.Findings) != 2 {
		t.Fatalf("result missing or wrong findings: %+v", run.Result)
	}
	if run.Spend.Tokens != 1300 {
		t.Errorf("tokens charged = %d, want 1300", run.Spend.Tokens)
	}
}

func TestFigureRegionEscalation(t *testing.T) {
	t.Parallel()

	ocr := "1. area of triangle = 12\nFIGURE_REGION: 0.10,0.20,0.40,0.80"
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: ocr, tokens: 900}},
		provider.KindVisionDeep: {
			{content: "full page overview", tokens: 700},
			{content: "triangle with base 6 and height 4", tokens: 650},
		},
		provider.KindLLMGrader: {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}
	o := New(inv, stubClassifier{}, nil)

	run := o.Execute(context.Background(), baseSpec())

	if run.Status != StatusDone {
		t.Fatalf("status = %s, want %s (cause: %s)", run.Status, StatusDone, run.FailureCause)
	}
	if len(run.Iterations) != 2 {
		t.Fatalf("iterations = %d, want 2 (initial pass + one region re-inspection)", len(run.Iterations))
	}

	second := run.Iterations[1]
	if len(second.Plan.Calls) != 1 || second.Plan.Calls[0].Region == nil {
		t.Fatalf("second iteration should plan exactly one region call, got %+v", second.Plan.Calls)
	}
	want := grading.BoundingBox{0.10, 0.20, 0.40, 0.80}
	if *second.Plan.Calls[0].Region != want {
		t.Errorf("region = %v, want %v", *second.Plan.Calls[0].Region, want)
	}
	if second.Verdict != VerdictStop {
		t.Errorf("verdict after covering the region = %s, want %s", second.Verdict, VerdictStop)
	}
}

func TestIterationCeilingForcesAggregation(t *testing.T) {
	t.Parallel()

	// Every vision pass surfaces a fresh region, so reflection alone would
	// never stop; the iteration ceiling must.
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "work\nFIGURE_REGION: 0.1,0.1,0.2,0.2", tokens: 500}},
		provider.KindVisionDeep: {
			{content: "overview\nFIGURE_REGION: 0.3,0.3,0.4,0.4", tokens: 400},
			{content: "detail\nFIGURE_REGION: 0.5,0.5,0.6,0.6", tokens: 400},
			{content: "detail\nFIGURE_REGION: 0.7,0.7,0.8,0.8", tokens: 400},
		},
		provider.KindLLMGrader: {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.Ceilings.MaxIterations = 2

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusDone {
		t.Fatalf("status = %s, want %s (cause: %s)", run.Status, StatusDone, run.FailureCause)
	}
	if run.Spend.Iterations != 2 {
		t.Errorf("iterations spent = %d, want ceiling of 2", run.Spend.Iterations)
	}
	if run.Result == nil {
		t.Fatal("budget-forced stop must still aggregate the evidence gathered so far")
	}
}

func TestParseRetryOnTruncatedOutput(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4", tokens: 300}},
		provider.KindLLMGrader: {
			{content: `{"certainty": 0.9, "findi`, finish: "length", tokens: 4096},
			{content: validAggregateOutput, finish: "stop", tokens: 700},
		},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusDone {
		t.Fatalf("status = %s, want %s (cause: %s)", run.Status, StatusDone, run.FailureCause)
	}
	if run.ParseRetries != 1 {
		t.Errorf("parse retries = %d, want exactly 1", run.ParseRetries)
	}
	if got := inv.kindCount(provider.KindLLMGrader); got != 2 {
		t.Errorf("grader calls = %d, want 2", got)
	}
}

func TestParseFailureAfterSingleRetry(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4", tokens: 300}},
		provider.KindLLMGrader:  {{content: "I cannot grade this page.", finish: "stop", tokens: 50}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", run.Status, StatusFailed)
	}
	if run.FailureCode != FailureParse {
		t.Errorf("failure code = %s, want %s", run.FailureCode, FailureParse)
	}
	if run.ParseRetries != 1 {
		t.Errorf("parse retries = %d, want exactly 1", run.ParseRetries)
	}
	if got := inv.kindCount(provider.KindLLMGrader); got != 2 {
		t.Errorf("grader calls = %d, want 2 (one retry, never more)", got)
	}
}

func TestRateLimitedRootCause(t *testing.T) {
	t.Parallel()

	rlErr := &provider.RateLimitedError{Kind: provider.KindOCRGeneral, RetryAfter: time.Minute}
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{err: rlErr}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true
	// Too little wall clock left to honor a one-minute retry-after hint.
	spec.Ceilings.MaxDuration = 2 * time.Second

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", run.Status, StatusFailed)
	}
	if run.FailureCode != FailureRateLimited {
		t.Errorf("failure code = %s, want %s", run.FailureCode, FailureRateLimited)
	}
	if got := inv.kindCount(provider.KindOCRGeneral); got != 1 {
		t.Errorf("ocr calls = %d, want 1 (no retry without budget for the hint)", got)
	}
}

func TestRateLimitedWaitAndRetry(t *testing.T) {
	t.Parallel()

	rlErr := &provider.RateLimitedError{Kind: provider.KindOCRGeneral, RetryAfter: 10 * time.Millisecond}
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {
			{err: rlErr},
			{content: "1. 2+2=4", tokens: 300},
		},
		provider.KindLLMGrader: {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusDone {
		t.Fatalf("status = %s, want %s (cause: %s)", run.Status, StatusDone, run.FailureCause)
	}
	if got := inv.kindCount(provider.KindOCRGeneral); got != 2 {
		t.Errorf("ocr calls = %d, want 2 (rate-limited call retried once)", got)
	}
}

func TestTimedOutRunKeepsPartialResult(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4", tokens: 300, delay: 30 * time.Millisecond}},
		provider.KindLLMGrader:  {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true
	spec.Ceilings.MaxDuration = 10 * time.Millisecond

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusTimedOut {
		t.Fatalf("status = %s, want %s", run.Status, StatusTimedOut)
	}
	if run.Result == nil {
		t.Fatal("timed-out run with evidence should carry a best-effort result")
	}
	if run.Succeeded() {
		t.Error("a timed-out run must not count as succeeded")
	}
	if run.FailureCode != FailureTimeout {
		t.Errorf("failure code = %s, want %s", run.FailureCode, FailureTimeout)
	}
}

func TestClockExpiryWithoutEvidenceIsTimedOut(t *testing.T) {
	t.Parallel()

	// The only OCR call outlives the run clock and fails, so no evidence
	// exists; the terminal status must still be timed_out, not failed.
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{
			err:   &provider.TimeoutError{Kind: provider.KindOCRGeneral, Elapsed: 30 * time.Millisecond},
			delay: 30 * time.Millisecond,
		}},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true
	spec.Ceilings.MaxDuration = 10 * time.Millisecond

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusTimedOut {
		t.Fatalf("status = %s, want %s (code %s, cause: %s)", run.Status, StatusTimedOut, run.FailureCode, run.FailureCause)
	}
	if run.FailureCode != FailureTimeout {
		t.Errorf("failure code = %s, want %s", run.FailureCode, FailureTimeout)
	}
	if got := inv.kindCount(provider.KindLLMGrader); got != 0 {
		t.Errorf("grader calls = %d, want 0 with no evidence to aggregate", got)
	}
}

func TestClockExpiryDuringAggregationIsTimedOut(t *testing.T) {
	t.Parallel()

	// The run clock expires while the synthesis call is in flight. The run
	// must end timed_out and the evidence still gets one pass under the
	// grace window.
	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4", tokens: 300}},
		provider.KindLLMGrader: {
			{
				err:   &provider.TimeoutError{Kind: provider.KindLLMGrader, Elapsed: 60 * time.Millisecond},
				delay: 60 * time.Millisecond,
			},
			{content: validAggregateOutput, finish: "stop", tokens: 500},
		},
	}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.FastPath = true
	spec.Ceilings.MaxDuration = 30 * time.Millisecond

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusTimedOut {
		t.Fatalf("status = %s, want %s (code %s, cause: %s)", run.Status, StatusTimedOut, run.FailureCode, run.FailureCause)
	}
	if run.Result == nil {
		t.Fatal("grace-window aggregation should still produce a result")
	}
	if got := inv.kindCount(provider.KindLLMGrader); got != 2 {
		t.Errorf("grader calls = %d, want 2 (expired attempt plus grace pass)", got)
	}
}

func TestInvalidSpecFailsWithoutCalls(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{}}
	o := New(inv, stubClassifier{}, nil)

	spec := baseSpec()
	spec.PageURL = ""

	run := o.Execute(context.Background(), spec)

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", run.Status, StatusFailed)
	}
	if run.FailureCode != FailureInvalidSubmission {
		t.Errorf("failure code = %s, want %s", run.FailureCode, FailureInvalidSubmission)
	}
	if len(inv.calls) != 0 {
		t.Errorf("provider calls = %d, want 0", len(inv.calls))
	}
}

func TestTransitionsObserved(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{steps: map[provider.Kind][]step{
		provider.KindOCRGeneral: {{content: "1. 2+2=4", tokens: 300}},
		provider.KindLLMGrader:  {{content: validAggregateOutput, finish: "stop", tokens: 500}},
	}}

	var seen []RunStatus
	o := New(inv, stubClassifier{}, func(run *Run, to RunStatus) {
		seen = append(seen, to)
	})

	spec := baseSpec()
	spec.FastPath = true

	o.Execute(context.Background(), spec)

	want := []RunStatus{StatusPlanning, StatusActing, StatusAggregating, StatusDone}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestExtractFigureRegions(t *testing.T) {
	t.Parallel()

	content := `1. answer
FIGURE_REGION: 0.1, 0.2, 0.5, 0.9
2. answer
FIGURE_REGION: 1.5,0.0,2.0,1.0
FIGURE_REGION: 0.6,0.1,0.8,0.4`

	regions := extractFigureRegions(content)
	if len(regions) != 2 {
		t.Fatalf("regions = %d, want 2 (out-of-range hint dropped)", len(regions))
	}
	if regions[0] != (grading.BoundingBox{0.1, 0.2, 0.5, 0.9}) {
		t.Errorf("first region = %v", regions[0])
	}
}

func TestParseDraftRejectsBadVerdict(t *testing.T) {
	t.Parallel()

	bad := `{"certainty": 0.9, "findings": [{"question_index": 1, "box": [0,0,1,1], "verdict": "maybe"}]}`
	if _, err := parseDraft(bad); err == nil {
		t.Fatal("expected schema rejection for unknown verdict")
	}

	fenced := "Here is the result:\n```json\n" + validAggregateOutput + "\n```"
	draft, err := parseDraft(fenced)
	if err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
	if len(draft.Findings) != 2 || draft.Certainty != 0.93 {
		t.Errorf("draft = %+v", draft)
	}
}
