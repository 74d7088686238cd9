package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/cache/redis"
	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/pkg/logger"
)

var (
	ErrNotFound       = errors.New("session not found or expired")
	ErrJobNotTerminal = errors.New("job has not finished grading")
)

// Session is a short-lived coaching context bound to one graded job. It can
// read that job's results and nothing else; in particular it never reads the
// learner's historical profile.
type Session struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	LearnerID string    `json:"learner_id,omitempty"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProfileEntry is one append-only observation for the long-term learner
// profile pipeline.
type ProfileEntry struct {
	JobID        string
	KnowledgeTag string
	Verdict      grading.Verdict
	At           time.Time
}

// ProfileAppender is the one-way door to the learner-profile collaborator.
// There is deliberately no read method: profile writes made during a session
// are never read back within that session's lifetime.
type ProfileAppender interface {
	Append(ctx context.Context, learnerID string, entries []ProfileEntry) error
}

type NopAppender struct{}

func (NopAppender) Append(ctx context.Context, learnerID string, entries []ProfileEntry) error {
	return nil
}

type Store interface {
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (Session, bool, error)
}

type RedisStore struct {
	cache *redis.Client
}

func NewRedisStore(cache *redis.Client) *RedisStore {
	return &RedisStore{cache: cache}
}

func (s *RedisStore) Put(ctx context.Context, sess Session, ttl time.Duration) error {
	return s.cache.SetSession(ctx, sess.ID, sess, ttl)
}

func (s *RedisStore) Get(ctx context.Context, id string) (Session, bool, error) {
	var sess Session
	found, err := s.cache.GetSession(ctx, id, &sess)
	return sess, found, err
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Put(ctx context.Context, sess Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok && time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, false, nil
	}
	return sess, ok, nil
}

type Manager struct {
	store    Store
	jobs     *job.Manager
	appender ProfileAppender
	ttl      time.Duration
}

func NewManager(store Store, jobs *job.Manager, appender ProfileAppender, ttl time.Duration) *Manager {
	if appender == nil {
		appender = NopAppender{}
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		store:    store,
		jobs:     jobs,
		appender: appender,
		ttl:      ttl,
	}
}

// Create opens a session against a finished job and forwards its findings to
// the profile pipeline. The forward is fire-and-forget by contract: failure
// to append never blocks the session.
func (m *Manager) Create(ctx context.Context, jobID, learnerID string) (*Session, error) {
	snap, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !snap.Status.Terminal() {
		return nil, ErrJobNotTerminal
	}

	now := time.Now()
	sess := Session{
		ID:        uuid.New().String(),
		JobID:     jobID,
		LearnerID: learnerID,
		Subject:   snap.Subject,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.Put(ctx, sess, m.ttl); err != nil {
		return nil, err
	}

	if learnerID != "" {
		entries := profileEntries(jobID, snap.Results, now)
		if appendErr := m.appender.Append(ctx, learnerID, entries); appendErr != nil {
			logger.Warn("Profile append failed",
				zap.String("session_id", sess.ID),
				zap.Error(appendErr),
			)
		}
	}

	logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("job_id", jobID),
	)

	return &sess, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	sess, found, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Results returns the graded batch the session is scoped to, and only that.
func (m *Manager) Results(ctx context.Context, sessionID string) (*job.Snapshot, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.jobs.Get(ctx, sess.JobID)
}

func profileEntries(jobID string, results []grading.Result, at time.Time) []ProfileEntry {
	var entries []ProfileEntry
	for _, result := range results {
		for _, f := range result.Findings {
			if f.KnowledgeTag == "" {
				continue
			}
			entries = append(entries, ProfileEntry{
				JobID:        jobID,
				KnowledgeTag: f.KnowledgeTag,
				Verdict:      f.Verdict,
				At:           at,
			})
		}
	}
	return entries
}
