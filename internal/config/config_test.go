package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventq/internal/config"
)

const sampleYAML = `
queue:
  backend: redis
  name: lightrail-events
  batch_size: 5
  visibility_timeout: 45s
redis:
  addr: localhost:6379
consumer:
  concurrency: 4
  backoff_initial: 30s
  backoff_max: 6h
webhooks:
  timeout: 5s
  subscribers:
    - id: billing
      url: https://billing.example.com/hooks
      event_types: ["lightrail.transaction.*"]
    - id: audit
      url: http://audit.internal/events
secret:
  encryption_key_ref: ENV:EVENTQ_SIGNING_KEY
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewLoader_FileOverDefaults(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, sampleYAML), nil)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, config.BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "lightrail-events", cfg.Queue.Name)
	assert.Equal(t, 5, cfg.Queue.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 96*time.Hour, cfg.Queue.Retention, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Consumer.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Consumer.BackoffInitial)
	assert.Equal(t, 6*time.Hour, cfg.Consumer.BackoffMax)
	assert.Equal(t, 5*time.Second, cfg.Webhooks.Timeout)
	assert.Equal(t, 72*time.Hour, cfg.Webhooks.MaxAge)
	require.Len(t, cfg.Webhooks.Subscribers, 2)
	assert.Equal(t, []string{"lightrail.transaction.*"}, cfg.Webhooks.Subscribers[0].EventTypes)
	assert.Empty(t, cfg.Webhooks.Subscribers[1].EventTypes)
}

func TestNewLoader_EnvOverridesFile(t *testing.T) {
	t.Setenv("EVENT_QUEUE", "from-env")
	t.Setenv("QUEUE_BATCH_SIZE", "2")
	t.Setenv("BACKOFF_MAX", "2h")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("WEBHOOK_MAX_AGE", "24h")

	l, err := config.NewLoader(writeConfig(t, sampleYAML), nil)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, "from-env", cfg.Queue.Name)
	assert.Equal(t, 2, cfg.Queue.BatchSize)
	assert.Equal(t, 2*time.Hour, cfg.Consumer.BackoffMax)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Webhooks.MaxAge)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestNewLoader_DefaultsOnly(t *testing.T) {
	l, err := config.NewLoader("", nil)
	require.NoError(t, err)
	cfg := l.Config()
	assert.Equal(t, config.BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 12*time.Hour, cfg.Consumer.BackoffMax)
}

func TestNewLoader_RejectsInvalidFile(t *testing.T) {
	_, err := config.NewLoader(writeConfig(t, "queue: [unclosed"), nil)
	assert.Error(t, err)

	_, err = config.NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = config.NewLoader(writeConfig(t, "  \n"), nil)
	assert.Error(t, err)
}

func TestReload_NotifiesAndKeepsPreviousOnError(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	l, err := config.NewLoader(path, nil)
	require.NoError(t, err)

	var got *config.Config
	l.OnChange(func(c *config.Config) { got = c })

	updated := sampleYAML + "\nhttp:\n  addr: \":7070\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	cfg, err := l.Reload()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ":7070", got.HTTP.Addr)
	assert.Same(t, cfg, l.Config())

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  batch_size: 50\n"), 0o600))
	_, err = l.Reload()
	assert.Error(t, err)
	assert.Equal(t, ":7070", l.Config().HTTP.Addr)
}

func TestReload_CallbacksDoNotOverlap(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, sampleYAML), nil)
	require.NoError(t, err)

	var running, overlaps, calls atomic.Int32
	l.OnChange(func(*config.Config) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reload()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 8, calls.Load())
	assert.Zero(t, overlaps.Load())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	l, err := config.NewLoader(path, nil)
	require.NoError(t, err)

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	updated := sampleYAML + "\nhttp:\n  addr: \":6060\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		return l.Config().HTTP.Addr == ":6060"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("EVENTQ_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("EVENTQ_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("EVENTQ_TEST_DOTENV"))

	n, err := config.LoadEnv(envFile, filepath.Join(dir, ".env.local"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "loaded", os.Getenv("EVENTQ_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		c := config.Defaults()
		return &c
	}
	require.NoError(t, config.Validate(valid()))

	cases := map[string]func(c *config.Config){
		"unknown backend":       func(c *config.Config) { c.Queue.Backend = "sqs" },
		"redis without addr":    func(c *config.Config) { c.Queue.Backend = config.BackendRedis },
		"postgres without dsn":  func(c *config.Config) { c.Queue.Backend = config.BackendPostgres },
		"empty queue name":      func(c *config.Config) { c.Queue.Name = " " },
		"batch too large":       func(c *config.Config) { c.Queue.BatchSize = 11 },
		"batch zero":            func(c *config.Config) { c.Queue.BatchSize = 0 },
		"backoff above ceiling": func(c *config.Config) { c.Consumer.BackoffMax = 13 * time.Hour },
		"initial above max":     func(c *config.Config) { c.Consumer.BackoffInitial = 13 * time.Hour },
		"retention too short":   func(c *config.Config) { c.Queue.Retention = 24 * time.Hour },
		"zero concurrency":      func(c *config.Config) { c.Consumer.Concurrency = 0 },
		"subscriber without key": func(c *config.Config) {
			c.Webhooks.Subscribers = []config.Subscriber{{ID: "a", URL: "https://a.example.com"}}
		},
		"duplicate subscriber": func(c *config.Config) {
			c.Secret.EncryptionKeyRef = "ENV:KEY"
			c.Webhooks.Subscribers = []config.Subscriber{
				{ID: "a", URL: "https://a.example.com"},
				{ID: "a", URL: "https://b.example.com"},
			}
		},
		"relative url": func(c *config.Config) {
			c.Secret.EncryptionKeyRef = "ENV:KEY"
			c.Webhooks.Subscribers = []config.Subscriber{{ID: "a", URL: "/hooks"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			err := config.Validate(c)
			require.Error(t, err)
			var ve *config.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.NotEmpty(t, ve.Problems)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	c := config.Defaults()
	c.Queue.BatchSize = 0
	c.Queue.Name = ""
	c.Consumer.Concurrency = 0

	var ve *config.ValidationError
	require.ErrorAs(t, config.Validate(&c), &ve)
	assert.Len(t, ve.Problems, 3)
}
