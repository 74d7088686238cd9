package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/internal/orchestrator"
	"github.com/grading-agent/backend/internal/provider"
	"github.com/grading-agent/backend/internal/review"
)

type recordingAppender struct {
	mu      sync.Mutex
	entries []ProfileEntry
	learner string
}

func (a *recordingAppender) Append(ctx context.Context, learnerID string, entries []ProfileEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.learner = learnerID
	a.entries = append(a.entries, entries...)
	return nil
}

type gradedInvoker struct{}

func (gradedInvoker) Invoke(ctx context.Context, kind provider.Kind, req provider.Request) (*provider.Response, provider.CallRecord, error) {
	record := provider.CallRecord{Kind: kind, StartedAt: time.Now(), Usage: provider.Usage{TotalTokens: 400}}
	if kind == provider.KindLLMGrader {
		content := `{"certainty": 0.95, "findings": [
			{"question_index": 1, "box": [0.1,0.1,0.2,0.9], "verdict": "incorrect", "knowledge_tag": "fractions", "expected_answer": "3/4"}
		]}`
		return &provider.Response{Content: content, FinishReason: "stop", Usage: record.Usage}, record, nil
	}
	return &provider.Response{Content: "1. 1/2+1/4=1/2", Usage: record.Usage}, record, nil
}

func newFinishedJob(t *testing.T) (*job.Manager, string) {
	t.Helper()

	router := review.NewRouter(review.Config{}, nil)
	orch := orchestrator.New(gradedInvoker{}, router, nil)
	jobs := job.NewManager(job.Config{
		Ceilings:               budget.Ceilings{MaxIterations: 3, MaxTokens: 60000},
		IterationTokenEstimate: 1000,
	}, orch, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID := "job-1"
	if err := jobs.Submit(ctx, job.SubmitRequest{
		JobID:    jobID,
		Subject:  "history",
		PageURLs: []string{"https://img/p0.jpg"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := jobs.Wait(ctx, jobID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return jobs, jobID
}

func TestCreateForwardsFindingsToProfile(t *testing.T) {
	t.Parallel()

	jobs, jobID := newFinishedJob(t)
	appender := &recordingAppender{}
	m := NewManager(NewMemoryStore(), jobs, appender, time.Hour)

	sess, err := m.Create(context.Background(), jobID, "learner-7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.JobID != jobID || sess.Subject != "history" {
		t.Fatalf("session = %+v", sess)
	}

	appender.mu.Lock()
	defer appender.mu.Unlock()
	if appender.learner != "learner-7" {
		t.Errorf("profile learner = %q, want learner-7", appender.learner)
	}
	if len(appender.entries) != 1 || appender.entries[0].KnowledgeTag != "fractions" {
		t.Errorf("profile entries = %+v", appender.entries)
	}
}

func TestCreateWithoutLearnerSkipsProfile(t *testing.T) {
	t.Parallel()

	jobs, jobID := newFinishedJob(t)
	appender := &recordingAppender{}
	m := NewManager(NewMemoryStore(), jobs, appender, time.Hour)

	if _, err := m.Create(context.Background(), jobID, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	appender.mu.Lock()
	defer appender.mu.Unlock()
	if len(appender.entries) != 0 {
		t.Errorf("anonymous session must not write profile entries, got %+v", appender.entries)
	}
}

func TestCreateRejectsUnknownJob(t *testing.T) {
	t.Parallel()

	jobs, _ := newFinishedJob(t)
	m := NewManager(NewMemoryStore(), jobs, nil, time.Hour)

	if _, err := m.Create(context.Background(), "nope", ""); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("err = %v, want job.ErrNotFound", err)
	}
}

func TestResultsScopedToSessionJob(t *testing.T) {
	t.Parallel()

	jobs, jobID := newFinishedJob(t)
	m := NewManager(NewMemoryStore(), jobs, nil, time.Hour)

	sess, err := m.Create(context.Background(), jobID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := m.Results(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if snap.ID != jobID || len(snap.Results) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGetExpiredSession(t *testing.T) {
	t.Parallel()

	jobs, jobID := newFinishedJob(t)
	m := NewManager(NewMemoryStore(), jobs, nil, 10*time.Millisecond)

	sess, err := m.Create(context.Background(), jobID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := m.Get(context.Background(), sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
