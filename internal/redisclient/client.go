package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_due.lua
var claimDueScript string

const compensationQueueKey = "compensation:due"

type Client struct {
	rdb         *redis.Client
	claimScript *redis.Script
}

// NewClient creates a new Redis client with the delay-queue script loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:         rdb,
		claimScript: redis.NewScript(claimDueScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ScheduleCompensation arms a delayed compensation job for an order. The job
// lives in a sorted set scored by its due time, so pending compensations
// survive a process restart.
func (c *Client) ScheduleCompensation(ctx context.Context, orderID int64, dueAt time.Time) error {
	err := c.rdb.ZAdd(ctx, compensationQueueKey, &redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: strconv.FormatInt(orderID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule compensation for order %d: %w", orderID, err)
	}
	return nil
}

// ClaimDueCompensations atomically pops up to limit order ids whose due time
// has passed. A claimed id is gone from the queue, so two pollers can never
// fire the same job twice.
func (c *Client) ClaimDueCompensations(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	result, err := c.claimScript.Run(ctx, c.rdb,
		[]string{compensationQueueKey}, now.Unix(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due compensations: %w", err)
	}

	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", result)
	}

	ids := make([]int64, 0, len(raw))
	for _, member := range raw {
		s, ok := member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected queue member type %T", member)
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed queue member %q: %w", s, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// AcquireLock acquires a best-effort single-flight lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a single-flight lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
