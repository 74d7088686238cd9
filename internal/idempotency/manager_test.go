package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSubmitNewThenExisting(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	outcome, jobID, err := m.Submit(ctx, "key-1", "fp-1", "job-a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome != OutcomeNew || jobID != "job-a" {
		t.Fatalf("first submit = %s/%s, want new/job-a", outcome, jobID)
	}

	outcome, jobID, err = m.Submit(ctx, "key-1", "fp-1", "job-b")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if outcome != OutcomeExisting {
		t.Fatalf("resubmit outcome = %s, want existing", outcome)
	}
	if jobID != "job-a" {
		t.Fatalf("resubmit job = %s, want the original job-a", jobID)
	}
}

func TestSubmitConflictOnFingerprintMismatch(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, "key-1", "fp-1", "job-a"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	outcome, jobID, err := m.Submit(ctx, "key-1", "fp-2", "job-b")
	if err != nil {
		t.Fatalf("conflicting submit: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Fatalf("outcome = %s, want conflict", outcome)
	}
	if jobID != "job-a" {
		t.Fatalf("conflict should still name the holder job, got %s", jobID)
	}
}

func TestConcurrentSubmitsSingleWinner(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	const n = 32
	outcomes := make([]Outcome, n)
	jobIDs := make([]string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, jobID, err := m.Submit(ctx, "key-1", "fp-1", fmt.Sprintf("job-%d", i))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			outcomes[i] = outcome
			jobIDs[i] = jobID
		}(i)
	}
	wg.Wait()

	winners := 0
	var winnerJob string
	for i, o := range outcomes {
		if o == OutcomeNew {
			winners++
			winnerJob = jobIDs[i]
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	for i, o := range outcomes {
		if o == OutcomeExisting && jobIDs[i] != winnerJob {
			t.Fatalf("loser %d got job %s, want winner's %s", i, jobIDs[i], winnerJob)
		}
	}
}

func TestReleasedKeyReclaimable(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, "key-1", "fp-1", "job-a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	outcome, jobID, err := m.Submit(ctx, "key-1", "fp-1", "job-b")
	if err != nil {
		t.Fatalf("resubmit after release: %v", err)
	}
	if outcome != OutcomeNew || jobID != "job-b" {
		t.Fatalf("post-release submit = %s/%s, want new/job-b", outcome, jobID)
	}
}

func TestExpiredKeyReclaimable(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), 10*time.Millisecond)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, "key-1", "fp-1", "job-a"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	outcome, jobID, err := m.Submit(ctx, "key-1", "fp-1", "job-b")
	if err != nil {
		t.Fatalf("resubmit after expiry: %v", err)
	}
	if outcome != OutcomeNew || jobID != "job-b" {
		t.Fatalf("post-expiry submit = %s/%s, want new/job-b", outcome, jobID)
	}
}
