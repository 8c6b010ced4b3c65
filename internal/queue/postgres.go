package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const DefaultPostgresTable = "eventq_messages"

var identPartRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PostgresOptions configures a Postgres-backed queue.
type PostgresOptions struct {
	Table             string // "table" or "schema.table"
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Postgres stores messages of any number of named queues in one table. A
// message is visible while visible_at <= now(); each receive stamps a fresh
// receipt so handles from earlier deliveries stop matching.
type Postgres struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	name       string
	visibility time.Duration
	poll       time.Duration
}

// ParseTable parses "schema.table" or "table" into a pgx identifier.
func ParseTable(s string) (pgx.Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("queue: table name is empty")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, errors.Errorf("queue: invalid table %q (expected table or schema.table)", s)
	}
	ident := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !identPartRe.MatchString(p) {
			return nil, errors.Errorf("queue: invalid table %q (bad part %q)", s, p)
		}
		ident = append(ident, p)
	}
	return ident, nil
}

// NewPostgres creates a queue named name stored in pool.
func NewPostgres(pool *pgxpool.Pool, name string, opts PostgresOptions) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("queue: postgres pool is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("queue: queue name is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultPostgresTable
	}
	table, err := ParseTable(opts.Table)
	if err != nil {
		return nil, err
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Postgres{
		pool:       pool,
		table:      table,
		name:       name,
		visibility: opts.VisibilityTimeout,
		poll:       opts.PollInterval,
	}, nil
}

// EnsureSchema creates the message table and its claim index.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	table := p.table.Sanitize()
	index := pgx.Identifier{p.table[len(p.table)-1] + "_claim_idx"}.Sanitize()
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            UUID        PRIMARY KEY,
  queue         TEXT        NOT NULL,
  body          TEXT        NOT NULL,
  attributes    JSONB       NOT NULL DEFAULT '{}'::jsonb,
  sent_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  visible_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  receive_count INT         NOT NULL DEFAULT 0,
  receipt       UUID        NULL
);
CREATE INDEX IF NOT EXISTS %s ON %s (queue, visible_at);`, table, index, table)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, "queue: ensure postgres schema")
	}
	return nil
}

func (p *Postgres) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	attrs := msg.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return "", errors.Wrap(err, "queue: encode attributes")
	}
	delay := msg.Delay
	if delay < 0 {
		delay = 0
	}

	id := uuid.NewString()
	q := fmt.Sprintf(
		`INSERT INTO %s (id, queue, body, attributes, sent_at, visible_at)
		 VALUES ($1::uuid, $2, $3, $4::jsonb, now(), now() + ($5::float8 * interval '1 millisecond'))`,
		p.table.Sanitize(),
	)
	if _, err := p.pool.Exec(ctx, q, id, p.name, msg.Body, string(rawAttrs), float64(delay.Milliseconds())); err != nil {
		return "", errors.Wrap(err, "queue: postgres send")
	}
	return id, nil
}

func (p *Postgres) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		out, err := p.claim(ctx, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := sleepCtx(ctx, min(remaining, p.poll)); err != nil {
			return nil, err
		}
	}
}

func (p *Postgres) claim(ctx context.Context, max int) ([]Message, error) {
	table := p.table.Sanitize()
	q := fmt.Sprintf(
		`WITH picked AS (
		   SELECT id FROM %s
		    WHERE queue = $1 AND visible_at <= now()
		    ORDER BY visible_at
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		 )
		 UPDATE %s AS m
		    SET visible_at = now() + ($3::float8 * interval '1 millisecond'),
		        receive_count = m.receive_count + 1,
		        receipt = gen_random_uuid()
		   FROM picked
		  WHERE m.id = picked.id
		 RETURNING m.id::text, m.body, m.attributes, m.sent_at, m.receive_count, m.receipt::text`,
		table, table,
	)
	rows, err := p.pool.Query(ctx, q, p.name, max, float64(p.visibility.Milliseconds()))
	if err != nil {
		return nil, errors.Wrap(err, "queue: postgres claim")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			rawAttrs []byte
			sentAt   time.Time
		)
		if err := rows.Scan(&m.ID, &m.Body, &rawAttrs, &sentAt, &m.ReceiveCount, &m.ReceiptHandle); err != nil {
			return nil, errors.Wrap(err, "queue: postgres claim scan")
		}
		if err := json.Unmarshal(rawAttrs, &m.Attributes); err != nil {
			return nil, errors.Wrapf(err, "queue: decode attributes of %s", m.ID)
		}
		m.SentTimestamp = sentAt.UnixMilli()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "queue: postgres claim rows")
	}
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, receiptHandle string) error {
	if _, err := uuid.Parse(receiptHandle); err != nil {
		return ErrReceiptNotFound
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND receipt = $2::uuid`, p.table.Sanitize())
	tag, err := p.pool.Exec(ctx, q, p.name, receiptHandle)
	if err != nil {
		return errors.Wrap(err, "queue: postgres delete")
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (p *Postgres) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if _, err := uuid.Parse(receiptHandle); err != nil {
		return ErrReceiptNotFound
	}
	if timeout < 0 {
		timeout = 0
	}
	q := fmt.Sprintf(
		`UPDATE %s
		    SET visible_at = now() + ($3::float8 * interval '1 millisecond')
		  WHERE queue = $1 AND receipt = $2::uuid`,
		p.table.Sanitize(),
	)
	tag, err := p.pool.Exec(ctx, q, p.name, receiptHandle, float64(timeout.Milliseconds()))
	if err != nil {
		return errors.Wrap(err, "queue: postgres change visibility")
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

var (
	_ Queue  = (*Postgres)(nil)
	_ Pinger = (*Postgres)(nil)
)
