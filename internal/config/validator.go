package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/eventq/internal/secret"
)

const maxBackoff = 12 * time.Hour

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config validation errors:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks the config for:
//   - a known backend with its connection settings
//   - batch size and backoff bounds
//   - a backoff ceiling well below the queue retention period
//   - unique subscriber ids with usable URLs
func Validate(cfg *Config) error {
	var errs []string

	q := cfg.Queue
	switch q.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			errs = append(errs, "postgres.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q is not one of memory, redis, postgres", q.Backend))
	}
	if strings.TrimSpace(q.Name) == "" {
		errs = append(errs, "queue.name is required")
	}
	if q.BatchSize < 1 || q.BatchSize > 10 {
		errs = append(errs, fmt.Sprintf("queue.batch_size must be between 1 and 10, got %d", q.BatchSize))
	}
	if q.VisibilityTimeout <= 0 {
		errs = append(errs, "queue.visibility_timeout must be positive")
	}

	c := cfg.Consumer
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("consumer.concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.RequeueDelay < 0 {
		errs = append(errs, "consumer.requeue_delay must not be negative")
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, "consumer.backoff_initial must be positive")
	}
	if c.BackoffMax <= 0 || c.BackoffMax > maxBackoff {
		errs = append(errs, fmt.Sprintf("consumer.backoff_max must be in (0, %s], got %s", maxBackoff, c.BackoffMax))
	}
	if c.BackoffInitial > c.BackoffMax {
		errs = append(errs, "consumer.backoff_initial must not exceed consumer.backoff_max")
	}
	if q.Retention < 3*c.BackoffMax {
		errs = append(errs, fmt.Sprintf("queue.retention %s must be at least three times consumer.backoff_max %s", q.Retention, c.BackoffMax))
	}

	ids := make(map[string]int)
	for i, s := range cfg.Webhooks.Subscribers {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("webhooks.subscribers[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[s.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate subscriber id %q (first seen at index %d, again at %d)", s.ID, prev, i))
		} else {
			ids[s.ID] = i
		}
		u, err := url.Parse(s.URL)
		if s.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("subscriber %s: url must be an absolute http(s) URL", s.ID))
		}
	}
	if len(cfg.Webhooks.Subscribers) > 0 {
		if cfg.Secret.EncryptionKeyRef == "" {
			errs = append(errs, "secret.encryption_key_ref is required when webhooks are configured")
		} else if err := secret.ValidateRef(cfg.Secret.EncryptionKeyRef); err != nil {
			errs = append(errs, fmt.Sprintf("secret.encryption_key_ref: %s", err))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}
