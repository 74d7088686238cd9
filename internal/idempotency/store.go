package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/grading-agent/backend/internal/cache/redis"
)

// RedisStore keeps records in Redis so first-writer-wins holds across
// processes.
type RedisStore struct {
	cache *redis.Client
}

func NewRedisStore(cache *redis.Client) *RedisStore {
	return &RedisStore{cache: cache}
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (Record, bool, error) {
	created, err := s.cache.PutIdempotencyRecord(ctx, rec.Key, rec, ttl)
	if err != nil {
		return Record{}, false, err
	}
	if created {
		return rec, true, nil
	}

	var stored Record
	found, err := s.cache.GetIdempotencyRecord(ctx, rec.Key, &stored)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		// The record expired between SETNX and GET; claim it again.
		return s.PutIfAbsent(ctx, rec, ttl)
	}
	return stored, false, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.cache.DeleteIdempotencyRecord(ctx, key)
}

// MemoryStore is the in-process store used by tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.records[rec.Key]; ok && existing.expiresAt.After(now) {
		return existing.rec, false, nil
	}

	s.records[rec.Key] = memoryRecord{rec: rec, expiresAt: now.Add(ttl)}
	return rec, true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}
