// Package config provides Redis configuration for the analysis queue.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and worker parameters.
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	QueuePriorities map[string]int
}

const (
	defaultHost          = "localhost"
	defaultPort          = 6379
	defaultDB            = 0
	defaultWorkers       = 10
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = 3
	minPort              = 1
	maxPort              = 65535
	minWorkers           = 1
	maxWorkers           = 100
)

// DefaultQueuePriorities defines the priority settings for task queues.
var DefaultQueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// NewRedisConfig creates a Redis configuration from environment variables.
// REDIS_URL takes precedence over the individual REDIS_* variables.
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Password:        os.Getenv("REDIS_PASSWORD"),
		RetryInterval:   defaultRetryInterval,
		MaxRetries:      defaultMaxRetries,
		QueuePriorities: make(map[string]int),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	workers, err := parseBounded(getEnvOrDefault("REDIS_WORKERS", strconv.Itoa(defaultWorkers)), minWorkers, maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("invalid workers: %w", err)
	}

	cfg.Workers = workers

	if interval := os.Getenv("REDIS_RETRY_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid retry interval: %w", err)
		}

		cfg.RetryInterval = d
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	port, err := parseBounded(getEnvOrDefault("REDIS_PORT", strconv.Itoa(defaultPort)), minPort, maxPort)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	cfg.Port = port

	db, err := parseBounded(getEnvOrDefault("REDIS_DB", strconv.Itoa(defaultDB)), 0, 15)
	if err != nil {
		return nil, fmt.Errorf("invalid DB: %w", err)
	}

	cfg.DB = db

	return cfg, nil
}

func (c *RedisConfig) applyURL(redisURL string) error {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}

	if host := parsed.Hostname(); host != "" {
		c.Host = host
	}

	c.Port = defaultPort

	if port := parsed.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in Redis URL: %w", err)
		}

		c.Port = p
	}

	if password, ok := parsed.User.Password(); ok {
		c.Password = password
	}

	if path := strings.TrimPrefix(parsed.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return fmt.Errorf("invalid database number in Redis URL: %w", err)
		}

		c.DB = db
	}

	return nil
}

// GetRedisAddr returns the formatted Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func parseBounded(value string, minValue, maxValue int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("must be a number: %w", err)
	}

	if v < minValue || v > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}

	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
