package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/events"
	"github.com/grading-agent/backend/internal/orchestrator"
	"github.com/grading-agent/backend/internal/provider"
	"github.com/grading-agent/backend/internal/review"
)

const gradedPageJSON = `{
  "certainty": 0.95,
  "findings": [
    {"question_index": 1, "box": [0.1, 0.1, 0.2, 0.9], "verdict": "correct", "expected_answer": "42 apples"}
  ]
}`

// pageInvoker grades any page whose URL does not contain "bad"; "gate" pages
// block until released so tests can observe the job mid-flight.
type pageInvoker struct {
	mu    sync.Mutex
	calls []provider.Kind
	gate  chan struct{}
}

func (f *pageInvoker) Invoke(ctx context.Context, kind provider.Kind, req provider.Request) (*provider.Response, provider.CallRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.mu.Unlock()

	record := provider.CallRecord{Kind: kind, StartedAt: time.Now(), Usage: provider.Usage{TotalTokens: 500}}

	if kind == provider.KindLLMGrader {
		return &provider.Response{Content: gradedPageJSON, FinishReason: "stop", Usage: record.Usage}, record, nil
	}

	url := ""
	if len(req.ImageURLs) > 0 {
		url = req.ImageURLs[0]
	}
	if strings.Contains(url, "bad") {
		err := fmt.Errorf("image fetch rejected")
		record.Err = err.Error()
		return nil, record, err
	}
	if strings.Contains(url, "gate") && f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}

	return &provider.Response{Content: "1. 42 apples", Usage: record.Usage}, record, nil
}

func (f *pageInvoker) kindCount(kind provider.Kind) int {
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

func newTestManager(inv provider.Invoker, publisher *events.Publisher, cfg Config) *Manager {
	router := review.NewRouter(review.Config{StrictSubjects: []string{"math"}}, nil)
	orch := orchestrator.New(inv, router, nil)

	if cfg.Ceilings.MaxIterations == 0 {
		cfg.Ceilings = budget.Ceilings{MaxIterations: 3, MaxTokens: 60000}
	}
	if cfg.IterationTokenEstimate == 0 {
		cfg.IterationTokenEstimate = 1000
	}

	return NewManager(cfg, orch, nil, publisher)
}

func submitAndWait(t *testing.T, m *Manager, req SubmitRequest) *Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Wait(ctx, req.JobID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	snap, err := m.Get(ctx, req.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return snap
}

func TestSubmitCompletesAndPublishesLifecycle(t *testing.T) {
	t.Parallel()

	inv := &pageInvoker{}
	publisher := events.NewPublisher(events.Config{})
	m := newTestManager(inv, publisher, Config{})

	snap := submitAndWait(t, m, SubmitRequest{
		JobID:    "job-1",
		Subject:  "history",
		PageURLs: []string{"https://img/p0.jpg", "https://img/p1.jpg"},
	})

	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", snap.Status, StatusCompleted)
	}
	if len(snap.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(snap.Results))
	}
	if len(snap.Runs) != 2 {
		t.Fatalf("run summaries = %d, want 2", len(snap.Runs))
	}

	sub, err := publisher.Subscribe("job-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	seen := map[string]int{}
	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			seen[ev.Type]++
		case <-time.After(time.Second):
			t.Fatalf("only %v events replayed", seen)
		}
	}
	if seen[events.TypeJobQueued] != 1 || seen[events.TypeJobRunning] != 1 ||
		seen[events.TypePagePartial] != 2 || seen[events.TypeJobCompleted] != 1 {
		t.Fatalf("event mix = %v", seen)
	}
}

func TestAllPagesFailedMarksJobFailed(t *testing.T) {
	t.Parallel()

	inv := &pageInvoker{}
	publisher := events.NewPublisher(events.Config{})
	m := newTestManager(inv, publisher, Config{})

	snap := submitAndWait(t, m, SubmitRequest{
		JobID:    "job-1",
		Subject:  "history",
		PageURLs: []string{"https://img/bad-0.jpg", "https://img/bad-1.jpg"},
	})

	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", snap.Status, StatusFailed)
	}
	if len(snap.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(snap.Results))
	}
}

func TestMixedOutcomeCompletes(t *testing.T) {
	t.Parallel()

	inv := &pageInvoker{}
	m := newTestManager(inv, nil, Config{})

	snap := submitAndWait(t, m, SubmitRequest{
		JobID:    "job-1",
		Subject:  "history",
		PageURLs: []string{"https://img/p0.jpg", "https://img/bad-1.jpg"},
	})

	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s when at least one page produced a result", snap.Status, StatusCompleted)
	}
	if len(snap.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(snap.Results))
	}

	var failed int
	for _, r := range snap.Runs {
		if r.Status == string(orchestrator.StatusFailed) {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed runs = %d, want 1", failed)
	}
}

func TestPartialReadyWhileSiblingsOutstanding(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	inv := &pageInvoker{gate: gate}
	publisher := events.NewPublisher(events.Config{})
	m := newTestManager(inv, publisher, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := publisher.Subscribe("job-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := m.Submit(ctx, SubmitRequest{
		JobID:    "job-1",
		Subject:  "history",
		PageURLs: []string{"https://img/p0.jpg", "https://img/gate-1.jpg"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The fast page finishes first and must surface as a partial while the
	// gated page is still running.
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypePagePartial {
				snap, err := m.Get(ctx, "job-1")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if snap.Status != StatusPartialReady {
					t.Fatalf("status after first partial = %s, want %s", snap.Status, StatusPartialReady)
				}
				if len(snap.Results) != 1 {
					t.Fatalf("partial results = %d, want 1", len(snap.Results))
				}
				close(gate)
				if err := m.Wait(ctx, "job-1"); err != nil {
					t.Fatalf("wait: %v", err)
				}
				snap, _ = m.Get(ctx, "job-1")
				if snap.Status != StatusCompleted {
					t.Fatalf("final status = %s, want %s", snap.Status, StatusCompleted)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("no partial event before timeout")
		}
	}
}

func TestFastPathSubjectSkipsVision(t *testing.T) {
	t.Parallel()

	inv := &pageInvoker{}
	m := newTestManager(inv, nil, Config{FastPathSubjects: []string{"math"}})

	snap := submitAndWait(t, m, SubmitRequest{
		JobID:    "job-1",
		Subject:  "math",
		PageURLs: []string{"https://img/p0.jpg"},
	})

	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", snap.Status, StatusCompleted)
	}
	if got := inv.kindCount(provider.KindVisionDeep); got != 0 {
		t.Errorf("vision calls = %d, want 0 for a fast-path subject", got)
	}
	if snap.Runs[0].Iterations != 1 {
		t.Errorf("iterations = %d, want 1", snap.Runs[0].Iterations)
	}
}

func TestSyncThreshold(t *testing.T) {
	t.Parallel()

	m := newTestManager(&pageInvoker{}, nil, Config{SyncPageThreshold: 1})

	if !m.Sync(1) {
		t.Error("single page should take the synchronous path")
	}
	if m.Sync(2) {
		t.Error("multi-page submissions must go async")
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	m := newTestManager(&pageInvoker{}, nil, Config{})

	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := m.Wait(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wait err = %v, want ErrNotFound", err)
	}
}
