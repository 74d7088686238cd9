package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// PutIdempotencyRecord stores the record under the key only if absent.
// Returns true when this call created it; first writer wins.
func (c *Client) PutIdempotencyRecord(ctx context.Context, key string, record interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	created, err := c.client.SetNX(ctx, fmt.Sprintf("idem:%s", key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set idempotency record: %w", err)
	}

	logger.Debug("Idempotency record put", zap.String("key", key), zap.Bool("created", created))
	return created, nil
}

func (c *Client) GetIdempotencyRecord(ctx context.Context, key string, record interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("idem:%s", key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if err := json.Unmarshal(data, record); err != nil {
		return false, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}

	return true, nil
}

func (c *Client) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	return c.client.Del(ctx, fmt.Sprintf("idem:%s", key)).Err()
}

func (c *Client) SetSession(ctx context.Context, sessionID string, session interface{}, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("session:%s", sessionID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}

	logger.Debug("Session stored", zap.String("session_id", sessionID), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string, session interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("session:%s", sessionID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get session: %w", err)
	}

	if err := json.Unmarshal(data, session); err != nil {
		return false, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return true, nil
}
