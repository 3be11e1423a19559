package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/dropscan/dropscan/redis/config"
	"github.com/dropscan/dropscan/redis/tasks"
)

// Client wraps asynq client functionality.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient creates a new queue client with the provided configuration.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)
	if err := testConnection(client); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Enqueue submits an analysis job to the queue. It satisfies
// analysis.Queue. Retries on delivery are handled by the asynq server.
func (c *Client) Enqueue(ctx context.Context, jobID string) error {
	task, err := tasks.CreateAnalyzeTask(jobID)
	if err != nil {
		return err
	}

	return c.EnqueueTask(ctx, task, asynq.MaxRetry(c.cfg.MaxRetries), asynq.Queue(tasks.PriorityDefault))
}

// EnqueueTask enqueues an arbitrary task.
func (c *Client) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// Close closes the queue client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// IsHealthy checks if the Redis connection is healthy.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.client.EnqueueContext(ctx, asynq.NewTask(tasks.TypeHealthCheck, nil))

	return err == nil
}

func testConnection(client *asynq.Client) error {
	task := asynq.NewTask(tasks.TypeConnectionTest, nil)

	if _, err := client.EnqueueContext(context.Background(), task); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}
