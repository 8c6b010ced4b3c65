package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis-backed queue.
type RedisOptions struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Now               func() time.Time
}

// Redis keeps each queue under a single hash slot ("eventq:{name}:*"):
// message payloads in a hash, visibility in a sorted set scored by the epoch
// millisecond the message becomes visible, and the current receipt token and
// receive count in two more hashes.
type Redis struct {
	client     redis.UniversalClient
	name       string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

type redisPayload struct {
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes"`
	SentAt     int64             `json:"sent_at"`
}

// KEYS: visible, messages, receipts, receives
// ARGV: now, max, visibility ms, tokens...
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for i, id in ipairs(ids) do
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    local token = ARGV[3 + i]
    redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[3]), id)
    redis.call('HSET', KEYS[3], id, token)
    local n = redis.call('HINCRBY', KEYS[4], id, 1)
    table.insert(out, {id, token, payload, n})
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// KEYS: visible, messages, receipts, receives
// ARGV: id, token
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// KEYS: visible, receipts
// ARGV: id, token, visible-at ms
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', tonumber(ARGV[3]), ARGV[1])
return 1
`)

// NewRedis creates a queue named name on client.
func NewRedis(client redis.UniversalClient, name string, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("queue: queue name is required")
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Redis{
		client:     client,
		name:       name,
		visibility: opts.VisibilityTimeout,
		poll:       opts.PollInterval,
		now:        opts.Now,
	}, nil
}

func (r *Redis) key(part string) string {
	return fmt.Sprintf("eventq:{%s}:%s", r.name, part)
}

func (r *Redis) keys() []string {
	return []string{r.key("visible"), r.key("messages"), r.key("receipts"), r.key("receives")}
}

func (r *Redis) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	now := r.now()
	delay := msg.Delay
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(redisPayload{
		Body:       msg.Body,
		Attributes: msg.Attributes,
		SentAt:     now.UnixMilli(),
	})
	if err != nil {
		return "", errors.Wrap(err, "queue: encode redis payload")
	}

	id := uuid.NewString()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key("messages"), id, payload)
		pipe.ZAdd(ctx, r.key("visible"), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "queue: redis send")
	}
	return id, nil
}

func (r *Redis) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		out, err := r.receiveOnce(ctx, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := sleepCtx(ctx, min(remaining, r.poll)); err != nil {
			return nil, err
		}
	}
}

func (r *Redis) receiveOnce(ctx context.Context, max int) ([]Message, error) {
	args := make([]any, 0, 3+max)
	args = append(args, r.now().UnixMilli(), max, r.visibility.Milliseconds())
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := receiveScript.Run(ctx, r.client, r.keys(), args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "queue: redis receive")
	}
	rows, ok := res.([]any)
	if !ok {
		return nil, errors.Errorf("queue: unexpected redis receive reply %T", res)
	}

	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]any)
		if !ok || len(fields) != 4 {
			return nil, errors.Errorf("queue: unexpected redis receive row %v", row)
		}
		id, _ := fields[0].(string)
		token, _ := fields[1].(string)
		raw, _ := fields[2].(string)
		count, _ := fields[3].(int64)

		var payload redisPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, errors.Wrapf(err, "queue: decode redis payload %s", id)
		}
		out = append(out, Message{
			ID:            id,
			Body:          payload.Body,
			Attributes:    copyAttributes(payload.Attributes),
			ReceiptHandle: id + ":" + token,
			SentTimestamp: payload.SentAt,
			ReceiveCount:  int(count),
		})
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, receiptHandle string) error {
	id, token, ok := strings.Cut(receiptHandle, ":")
	if !ok {
		return ErrReceiptNotFound
	}
	n, err := deleteScript.Run(ctx, r.client, r.keys(), id, token).Int()
	if err != nil {
		return errors.Wrap(err, "queue: redis delete")
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (r *Redis) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	id, token, ok := strings.Cut(receiptHandle, ":")
	if !ok {
		return ErrReceiptNotFound
	}
	if timeout < 0 {
		timeout = 0
	}
	visibleAt := r.now().Add(timeout).UnixMilli()
	keys := []string{r.key("visible"), r.key("receipts")}
	n, err := extendScript.Run(ctx, r.client, keys, id, token, visibleAt).Int()
	if err != nil {
		return errors.Wrap(err, "queue: redis change visibility")
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var (
	_ Queue  = (*Redis)(nil)
	_ Pinger = (*Redis)(nil)
)
