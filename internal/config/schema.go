package config

import "time"

// Queue backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level YAML structure. Environment variables override
// file values field by field.
type Config struct {
	Queue    QueueConf    `yaml:"queue"`
	Redis    RedisConf    `yaml:"redis"`
	Postgres PostgresConf `yaml:"postgres"`
	Consumer ConsumerConf `yaml:"consumer"`
	Webhooks WebhookConf  `yaml:"webhooks"`
	Secret   SecretConf   `yaml:"secret"`
	HTTP     HTTPConf     `yaml:"http"`
	Log      LogConf      `yaml:"log"`
}

// QueueConf selects the queue backend and its delivery settings.
type QueueConf struct {
	Backend           string        `yaml:"backend" env:"QUEUE_BACKEND"`
	Name              string        `yaml:"name" env:"EVENT_QUEUE"` // destination for published and requeued events
	BatchSize         int           `yaml:"batch_size" env:"QUEUE_BATCH_SIZE"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT"`
	WaitTime          time.Duration `yaml:"wait_time" env:"QUEUE_WAIT_TIME"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"QUEUE_POLL_INTERVAL"`
	Retention         time.Duration `yaml:"retention" env:"QUEUE_RETENTION"`
}

type RedisConf struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type PostgresConf struct {
	DSN   string `yaml:"dsn" env:"DATABASE_URL"`
	Table string `yaml:"table" env:"QUEUE_TABLE"`
}

// ConsumerConf tunes message processing. Backoff fields are hot-reloadable.
type ConsumerConf struct {
	Concurrency    int           `yaml:"concurrency" env:"CONSUMER_CONCURRENCY"`
	RequeueDelay   time.Duration `yaml:"requeue_delay" env:"REQUEUE_DELAY"`
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
}

// WebhookConf lists the subscribers. Subscribers come from the file only
// and are hot-reloadable.
type WebhookConf struct {
	WebhookDelivery `yaml:",inline"`
	Subscribers     []Subscriber `yaml:"subscribers"`
}

type WebhookDelivery struct {
	Timeout time.Duration `yaml:"timeout" env:"WEBHOOK_TIMEOUT"`
	MaxAge  time.Duration `yaml:"max_age" env:"WEBHOOK_MAX_AGE"`
}

type Subscriber struct {
	ID         string   `yaml:"id"`
	URL        string   `yaml:"url"`
	EventTypes []string `yaml:"event_types"` // empty = all types
}

type SecretConf struct {
	EncryptionKeyRef string `yaml:"encryption_key_ref" env:"SECRET_ENCRYPTION_KEY_REF"` // ENV:NAME or FILE:/path
}

type HTTPConf struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

type LogConf struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Defaults returns the configuration used for anything left unset.
func Defaults() Config {
	return Config{
		Queue: QueueConf{
			Backend:           BackendMemory,
			Name:              "events",
			BatchSize:         10,
			VisibilityTimeout: 30 * time.Second,
			WaitTime:          10 * time.Second,
			PollInterval:      time.Second,
			Retention:         96 * time.Hour,
		},
		Postgres: PostgresConf{Table: "eventq_messages"},
		Consumer: ConsumerConf{
			Concurrency:    1,
			RequeueDelay:   30 * time.Second,
			BackoffInitial: time.Minute,
			BackoffMax:     12 * time.Hour,
		},
		Webhooks: WebhookConf{
			WebhookDelivery: WebhookDelivery{
				Timeout: 10 * time.Second,
				MaxAge:  72 * time.Hour,
			},
		},
		HTTP: HTTPConf{Addr: ":8080"},
		Log:  LogConf{Level: "info"},
	}
}
