package job

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/events"
	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/internal/orchestrator"
	"github.com/grading-agent/backend/internal/storage/models"
	"github.com/grading-agent/backend/internal/storage/sqlite"
	"github.com/grading-agent/backend/pkg/logger"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusPartialReady Status = "partial_ready"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Config struct {
	WorkerPool        int
	SyncPageThreshold int
	Retention         time.Duration
	FastPathSubjects  []string

	Ceilings               budget.Ceilings
	IterationTokenEstimate int
	AggregateMaxTokens     int
	AggregateRetryTokens   int
}

type SubmitRequest struct {
	JobID          string
	IdempotencyKey string
	Fingerprint    string
	Subject        string
	Strict         bool
	PageURLs       []string
}

// RunSummary is the per-page view exposed through the job query interface.
type RunSummary struct {
	RunID        string `json:"run_id"`
	PageIndex    int    `json:"page_index"`
	Status       string `json:"status"`
	Iterations   int    `json:"iterations"`
	Tokens       int    `json:"tokens"`
	ParseRetries int    `json:"parse_retries"`
	FailureCode  string `json:"failure_code,omitempty"`
}

// Snapshot is a point-in-time view of a job and whatever results have been
// published so far.
type Snapshot struct {
	ID        string           `json:"id"`
	Subject   string           `json:"subject"`
	Strict    bool             `json:"strict"`
	Status    Status           `json:"status"`
	PageCount int              `json:"page_count"`
	Runs      []RunSummary     `json:"runs"`
	Results   []grading.Result `json:"results"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type jobState struct {
	mu sync.Mutex

	id        string
	subject   string
	strict    bool
	pageURLs  []string
	status    Status
	runs      []*orchestrator.Run
	results   []*grading.Result
	createdAt time.Time
	updatedAt time.Time
	done      chan struct{}
}

// Manager owns the job state machine: it fans each submission's pages out to
// the orchestrator on a bounded worker pool, publishes partial results the
// moment a page lands, and derives the job status from its child runs.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*jobState

	cfg    Config
	orch   *orchestrator.Orchestrator
	store  *sqlite.Client
	events *events.Publisher

	sem    chan struct{}
	gcStop chan struct{}
	gcOnce sync.Once
}

func NewManager(cfg Config, orch *orchestrator.Orchestrator, store *sqlite.Client, publisher *events.Publisher) *Manager {
	if cfg.WorkerPool == 0 {
		cfg.WorkerPool = 8
	}
	if cfg.SyncPageThreshold == 0 {
		cfg.SyncPageThreshold = 1
	}
	if cfg.Retention == 0 {
		cfg.Retention = 72 * time.Hour
	}

	return &Manager{
		jobs:   make(map[string]*jobState),
		cfg:    cfg,
		orch:   orch,
		store:  store,
		events: publisher,
		sem:    make(chan struct{}, cfg.WorkerPool),
		gcStop: make(chan struct{}),
	}
}

// Sync reports whether a submission of this size should be answered on the
// request itself rather than through the async job protocol.
func (m *Manager) Sync(pageCount int) bool {
	return pageCount <= m.cfg.SyncPageThreshold
}

func (m *Manager) fastPath(subject string) bool {
	for _, s := range m.cfg.FastPathSubjects {
		if s == subject {
			return true
		}
	}
	return false
}

// Submit registers the job and starts its page runs. It returns immediately;
// callers on the synchronous path follow up with Wait.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) error {
	now := time.Now()
	js := &jobState{
		id:        req.JobID,
		subject:   req.Subject,
		strict:    req.Strict,
		pageURLs:  req.PageURLs,
		status:    StatusQueued,
		runs:      make([]*orchestrator.Run, len(req.PageURLs)),
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[req.JobID] = js
	m.mu.Unlock()

	if m.store != nil {
		err := m.store.InsertJob(ctx, &models.JobRecord{
			ID:             req.JobID,
			IdempotencyKey: req.IdempotencyKey,
			Fingerprint:    req.Fingerprint,
			Subject:        req.Subject,
			Strict:         req.Strict,
			Status:         string(StatusQueued),
			PageCount:      len(req.PageURLs),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			m.mu.Lock()
			delete(m.jobs, req.JobID)
			m.mu.Unlock()
			return err
		}
	}

	m.publish(req.JobID, events.TypeJobQueued, map[string]interface{}{
		"subject":    req.Subject,
		"page_count": len(req.PageURLs),
	})

	logger.Info("Job submitted",
		zap.String("job_id", req.JobID),
		zap.String("subject", req.Subject),
		zap.Int("pages", len(req.PageURLs)),
	)

	go m.execute(js, req)

	return nil
}

func (m *Manager) execute(js *jobState, req SubmitRequest) {
	ctx := context.Background()

	js.mu.Lock()
	js.status = StatusRunning
	js.updatedAt = time.Now()
	js.mu.Unlock()

	m.persistJobStatus(ctx, js.id, StatusRunning)
	m.publish(js.id, events.TypeJobRunning, nil)

	var wg sync.WaitGroup
	for pageIndex, pageURL := range req.PageURLs {
		wg.Add(1)
		go func(pageIndex int, pageURL string) {
			defer wg.Done()

			m.sem <- struct{}{}
			defer func() { <-m.sem }()

			m.executePage(ctx, js, req, pageIndex, pageURL)
		}(pageIndex, pageURL)
	}
	wg.Wait()

	m.finalize(ctx, js)
}

func (m *Manager) executePage(ctx context.Context, js *jobState, req SubmitRequest, pageIndex int, pageURL string) {
	spec := orchestrator.RunSpec{
		RunID:                  uuid.New().String(),
		JobID:                  js.id,
		PageIndex:              pageIndex,
		Subject:                req.Subject,
		Strict:                 req.Strict,
		PageURL:                pageURL,
		FastPath:               m.fastPath(req.Subject),
		Ceilings:               m.cfg.Ceilings,
		IterationTokenEstimate: m.cfg.IterationTokenEstimate,
		AggregateMaxTokens:     m.cfg.AggregateMaxTokens,
		AggregateRetryTokens:   m.cfg.AggregateRetryTokens,
	}

	if m.store != nil {
		now := time.Now()
		m.store.InsertRun(ctx, &models.RunRecord{
			ID:        spec.RunID,
			JobID:     js.id,
			PageIndex: pageIndex,
			Status:    string(orchestrator.StatusInit),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	run := m.orch.Execute(ctx, spec)

	m.recordRun(ctx, run, spec)

	js.mu.Lock()
	js.runs[pageIndex] = run
	if run.Result != nil {
		js.results = append(js.results, run.Result)
	}
	outstanding := 0
	for _, r := range js.runs {
		if r == nil {
			outstanding++
		}
	}
	partial := outstanding > 0
	if partial {
		js.status = StatusPartialReady
	}
	js.updatedAt = time.Now()
	js.mu.Unlock()

	if run.Result != nil {
		m.publish(js.id, events.TypePagePartial, run.Result)
	}
	if partial {
		m.persistJobStatus(ctx, js.id, StatusPartialReady)
	}
}

// finalize derives the terminal job status: failed only when every page run
// failed without producing any result. A mixed outcome is a completion.
func (m *Manager) finalize(ctx context.Context, js *jobState) {
	js.mu.Lock()

	allFailed := true
	for _, run := range js.runs {
		if run != nil && (run.Succeeded() || run.Result != nil) {
			allFailed = false
			break
		}
	}

	if allFailed {
		js.status = StatusFailed
	} else {
		js.status = StatusCompleted
	}
	status := js.status
	js.updatedAt = time.Now()
	close(js.done)
	js.mu.Unlock()

	m.persistJobStatus(ctx, js.id, status)

	eventType := events.TypeJobCompleted
	if status == StatusFailed {
		eventType = events.TypeJobFailed
	}
	m.publish(js.id, eventType, map[string]interface{}{"status": string(status)})

	metrics.JobsCompleted.WithLabelValues(string(status)).Inc()

	logger.Info("Job finished",
		zap.String("job_id", js.id),
		zap.String("status", string(status)),
	)
}

func (m *Manager) recordRun(ctx context.Context, run *orchestrator.Run, spec orchestrator.RunSpec) {
	metrics.RunTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(spec.Subject, strconv.FormatBool(spec.FastPath)).
		Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	metrics.IterationsPerRun.Observe(float64(run.Spend.Iterations))
	if run.ParseRetries > 0 {
		metrics.ParseRetries.Add(float64(run.ParseRetries))
	}
	if run.Result != nil {
		metrics.ReviewClassifications.WithLabelValues(string(run.Result.Classification)).Inc()
		metrics.ConfidenceScore.Observe(run.Result.Confidence)
	}

	if m.store == nil {
		return
	}

	m.store.UpdateRun(ctx, &models.RunRecord{
		ID:           run.ID,
		Status:       string(run.Status),
		Iterations:   run.Spend.Iterations,
		Tokens:       run.Spend.Tokens,
		ElapsedMS:    int(run.Spend.Elapsed.Milliseconds()),
		ParseRetries: run.ParseRetries,
		FailureCode:  string(run.FailureCode),
		FailureCause: run.FailureCause,
	})

	for _, iter := range run.Iterations {
		for _, call := range iter.Calls {
			m.persistCall(ctx, run.ID, iter.Index, call.Kind.String(), call.Err, call.Usage.TotalTokens, call.Duration)
		}
	}
	for _, call := range run.AggregateCalls {
		m.persistCall(ctx, run.ID, len(run.Iterations), call.Kind.String(), call.Err, call.Usage.TotalTokens, call.Duration)
	}

	if run.Result != nil {
		findings, err := json.Marshal(run.Result.Findings)
		if err == nil {
			m.store.InsertGradeResult(ctx, &models.GradeResultRecord{
				RunID:          run.ID,
				JobID:          run.JobID,
				PageIndex:      run.PageIndex,
				FindingsJSON:   string(findings),
				Confidence:     run.Result.Confidence,
				Classification: string(run.Result.Classification),
				CreatedAt:      run.Result.CreatedAt,
			})
		}
	}
}

func (m *Manager) persistCall(ctx context.Context, runID string, iteration int, kind, errMsg string, tokens int, duration time.Duration) {
	m.store.InsertProviderCall(ctx, &models.ProviderCallRecord{
		RunID:      runID,
		Iteration:  iteration,
		Kind:       kind,
		Success:    errMsg == "",
		ErrMsg:     errMsg,
		Tokens:     tokens,
		DurationMS: int(duration.Milliseconds()),
		CreatedAt:  time.Now(),
	})
}

func (m *Manager) persistJobStatus(ctx context.Context, jobID string, status Status) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, string(status)); err != nil {
		logger.Warn("Failed to persist job status", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) publish(jobID, eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(jobID, eventType, payload)
	metrics.EventsPublished.Inc()
}

// Wait blocks until the job reaches a terminal status or the context ends.
func (m *Manager) Wait(ctx context.Context, jobID string) error {
	m.mu.RLock()
	js, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	select {
	case <-js.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of the job, falling back to the persistent store for
// jobs that already aged out of the in-memory registry.
func (m *Manager) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	m.mu.RLock()
	js, ok := m.jobs[jobID]
	m.mu.RUnlock()

	if ok {
		return js.snapshot(), nil
	}

	if m.store == nil {
		return nil, ErrNotFound
	}

	return m.loadSnapshot(ctx, jobID)
}

func (js *jobState) snapshot() *Snapshot {
	js.mu.Lock()
	defer js.mu.Unlock()

	snap := &Snapshot{
		ID:        js.id,
		Subject:   js.subject,
		Strict:    js.strict,
		Status:    js.status,
		PageCount: len(js.pageURLs),
		CreatedAt: js.createdAt,
		UpdatedAt: js.updatedAt,
	}

	for _, run := range js.runs {
		if run == nil {
			continue
		}
		snap.Runs = append(snap.Runs, RunSummary{
			RunID:        run.ID,
			PageIndex:    run.PageIndex,
			Status:       string(run.Status),
			Iterations:   run.Spend.Iterations,
			Tokens:       run.Spend.Tokens,
			ParseRetries: run.ParseRetries,
			FailureCode:  string(run.FailureCode),
		})
	}

	for _, result := range js.results {
		snap.Results = append(snap.Results, *result)
	}

	return snap
}

func (m *Manager) loadSnapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	record, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}

	snap := &Snapshot{
		ID:        record.ID,
		Subject:   record.Subject,
		Strict:    record.Strict,
		Status:    Status(record.Status),
		PageCount: record.PageCount,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}

	runs, err := m.store.GetRunsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		snap.Runs = append(snap.Runs, RunSummary{
			RunID:        r.ID,
			PageIndex:    r.PageIndex,
			Status:       r.Status,
			Iterations:   r.Iterations,
			Tokens:       r.Tokens,
			ParseRetries: r.ParseRetries,
			FailureCode:  r.FailureCode,
		})
	}

	results, err := m.store.GetGradeResultsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		var findings []grading.Finding
		json.Unmarshal([]byte(r.FindingsJSON), &findings)

		snap.Results = append(snap.Results, grading.Result{
			RunID:          r.RunID,
			PageIndex:      r.PageIndex,
			Findings:       findings,
			Confidence:     r.Confidence,
			Classification: grading.Classification(r.Classification),
			CreatedAt:      r.CreatedAt,
		})
	}

	return snap, nil
}

// StartGC begins periodic retention cleanup of terminal jobs.
func (m *Manager) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.gcStop:
				return
			case <-ticker.C:
				m.collect()
			}
		}
	}()
}

func (m *Manager) collect() {
	cutoff := time.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	var expired []string
	for id, js := range m.jobs {
		js.mu.Lock()
		if js.status.Terminal() && js.updatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(m.jobs, id)
		}
		js.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.events != nil {
			m.events.Close(id)
		}
	}

	if m.store != nil {
		terminal := []string{string(StatusCompleted), string(StatusFailed)}
		m.store.DeleteExpiredJobs(context.Background(), terminal, cutoff)
	}
}

func (m *Manager) StopGC() {
	m.gcOnce.Do(func() { close(m.gcStop) })
}
