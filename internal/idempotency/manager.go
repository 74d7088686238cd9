package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/grading-agent/backend/pkg/logger"
)

type Outcome string

const (
	OutcomeNew      Outcome = "new"
	OutcomeExisting Outcome = "existing"
	OutcomeConflict Outcome = "conflict"
)

// Record maps a client-supplied key to the job it produced. Immutable for its
// retention lifetime.
type Record struct {
	Key         string    `json:"key"`
	JobID       string    `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the key/record mapping. PutIfAbsent must be atomic: under
// concurrent identical submissions exactly one caller creates the record.
// Delete drops a record before its TTL so the key can be claimed again.
type Store interface {
	PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (Record, bool, error)
	Delete(ctx context.Context, key string) error
}

type Manager struct {
	store Store
	ttl   time.Duration
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, ttl: ttl}
}

// Submit claims the key for candidateJobID. OutcomeNew means the caller owns
// the key and should create the job; OutcomeExisting returns the job the key
// already maps to; OutcomeConflict means the key was reused with a different
// payload and the request must be rejected, never silently processed.
func (m *Manager) Submit(ctx context.Context, key, fingerprint, candidateJobID string) (Outcome, string, error) {
	rec := Record{
		Key:         key,
		JobID:       candidateJobID,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
	}

	stored, created, err := m.store.PutIfAbsent(ctx, rec, m.ttl)
	if err != nil {
		return "", "", err
	}

	if created {
		logger.Debug("Idempotency key claimed",
			zap.String("key", key),
			zap.String("job_id", candidateJobID),
		)
		return OutcomeNew, candidateJobID, nil
	}

	if stored.Fingerprint != fingerprint {
		logger.Warn("Idempotency key reused with different payload",
			zap.String("key", key),
			zap.String("job_id", stored.JobID),
		)
		return OutcomeConflict, stored.JobID, nil
	}

	return OutcomeExisting, stored.JobID, nil
}

// Release drops a claimed key whose job never came to exist, so a retry with
// the same key is not answered with a reference to a phantom job.
func (m *Manager) Release(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}

	logger.Debug("Idempotency key released", zap.String("key", key))
	return nil
}
