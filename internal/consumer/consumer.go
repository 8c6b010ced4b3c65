package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/eventq/internal/delivery"
	"github.com/gyaneshwarpardhi/eventq/internal/event"
	"github.com/gyaneshwarpardhi/eventq/internal/metrics"
	"github.com/gyaneshwarpardhi/eventq/internal/queue"
)

// Per-message outcome labels.
const (
	OutcomeDelete        = "delete"
	OutcomeBackoff       = "backoff"
	OutcomeRequeue       = "requeue"
	OutcomeDecodeFailure = "decode_failure"
	OutcomeError         = "error"
)

// Options tunes a Consumer. Zero values pick defaults.
type Options struct {
	Backoff      BackoffPolicy
	RequeueDelay time.Duration // delivery delay of requeued successors
	Concurrency  int           // messages processed at once within a batch; 1 is sequential
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	o.Backoff = o.Backoff.normalized()
	if o.RequeueDelay < 0 {
		o.RequeueDelay = 0
	}
	if o.RequeueDelay == 0 {
		o.RequeueDelay = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// MessageResult is how a single message was settled.
type MessageResult struct {
	MessageID string
	EventID   string
	Outcome   string
	Deferred  bool  // left on the queue for a later attempt
	Err       error // decode, processing or queue error, if any
}

// BatchResult collects the per-message results in delivery order.
type BatchResult struct {
	Messages []MessageResult
}

// Deferred returns the IDs of messages left on the queue.
func (r BatchResult) Deferred() []string {
	var ids []string
	for _, m := range r.Messages {
		if m.Deferred {
			ids = append(ids, m.MessageID)
		}
	}
	return ids
}

// Consumer decodes queue messages, hands the events to a processor and
// applies the processor's decision to the queue.
type Consumer struct {
	queue     queue.Queue
	processor delivery.Processor
	backoff   atomic.Pointer[BackoffPolicy]
	opts      Options
	logger    *slog.Logger
}

// New creates a Consumer.
func New(q queue.Queue, p delivery.Processor, opts Options) (*Consumer, error) {
	if q == nil {
		return nil, errors.New("consumer: queue is required")
	}
	if p == nil {
		return nil, errors.New("consumer: processor is required")
	}
	opts.setDefaults()
	c := &Consumer{
		queue:     q,
		processor: p,
		opts:      opts,
		logger:    opts.Logger,
	}
	policy := opts.Backoff
	c.backoff.Store(&policy)
	return c, nil
}

// SetBackoff atomically replaces the backoff policy (used on hot-reload).
func (c *Consumer) SetBackoff(p BackoffPolicy) {
	p = p.normalized()
	c.backoff.Store(&p)
}

// Backoff returns the current backoff policy.
func (c *Consumer) Backoff() BackoffPolicy {
	return *c.backoff.Load()
}

// HandleBatch settles every message of a delivered batch. The only error it
// returns is a *DeferredError, when some messages were deferred.
func (c *Consumer) HandleBatch(ctx context.Context, msgs []queue.Message) (BatchResult, error) {
	res := BatchResult{Messages: make([]MessageResult, len(msgs))}

	if c.opts.Concurrency <= 1 || len(msgs) <= 1 {
		for i, msg := range msgs {
			res.Messages[i] = c.handleMessage(ctx, msg)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(c.opts.Concurrency)
		for i, msg := range msgs {
			g.Go(func() error {
				res.Messages[i] = c.handleMessage(ctx, msg)
				return nil
			})
		}
		_ = g.Wait()
	}

	err := guard(res)
	if err != nil {
		metrics.BatchesDeferred.Inc()
		c.logger.Info("signalling batch failure so deferred messages are not acknowledged",
			"deferred", res.Deferred(), "batch_size", len(msgs))
	}
	return res, err
}

func (c *Consumer) handleMessage(ctx context.Context, msg queue.Message) (r MessageResult) {
	start := time.Now()
	r.MessageID = msg.ID
	metrics.MessagesReceived.Inc()
	defer func() {
		metrics.MessageOutcomes.WithLabelValues(r.Outcome).Inc()
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	log := c.logger.With("message_id", msg.ID)

	// Out of time: leave the message alone, it reappears after its
	// visibility timeout.
	if err := ctx.Err(); err != nil {
		r.Outcome, r.Deferred, r.Err = OutcomeError, true, err
		return r
	}

	ev, err := event.Decode(msg)
	if err != nil {
		r.Outcome, r.Err = OutcomeDecodeFailure, err
		log.Error("deleting message that cannot be decoded", "err", err)
		if delErr := c.delete(ctx, msg); delErr != nil {
			return c.deferMessage(ctx, log, msg, r, delErr)
		}
		return r
	}
	r.EventID = ev.ID
	log = log.With("event_id", ev.ID, "event_type", ev.Type)

	out, err := c.process(ctx, ev, msg.SentAt())
	if err == nil {
		err = out.Validate()
	}
	if err != nil {
		r.Outcome = OutcomeError
		log.Error("unexpected error while processing event", "err", err)
		return c.deferMessage(ctx, log, msg, r, err)
	}

	switch out.Action {
	case delivery.ActionDelete:
		r.Outcome = OutcomeDelete
		if err := c.delete(ctx, msg); err != nil {
			r.Outcome = OutcomeError
			return c.deferMessage(ctx, log, msg, r, err)
		}
		log.Debug("message deleted")

	case delivery.ActionBackoff:
		r.Outcome = OutcomeBackoff
		return c.deferMessage(ctx, log, msg, r, nil)

	case delivery.ActionRequeue:
		r.Outcome = OutcomeRequeue
		next := event.Encode(out.Event, c.opts.RequeueDelay)
		id, err := c.queue.Send(ctx, next)
		if err != nil {
			metrics.QueueErrors.WithLabelValues("send").Inc()
			r.Outcome = OutcomeError
			return c.deferMessage(ctx, log, msg, r, errors.Wrap(err, "publish requeued event"))
		}
		metrics.EventsPublished.WithLabelValues("requeue").Inc()
		log.Info("event requeued", "successor_id", id, "failed_webhook_ids", out.Event.FailedWebhookIDs)
		// The successor is already out: if this delete fails the original is
		// delivered again later, which at-least-once delivery permits.
		if err := c.delete(ctx, msg); err != nil {
			r.Outcome = OutcomeError
			return c.deferMessage(ctx, log, msg, r, err)
		}
	}
	return r
}

// process calls the processor, turning a panic into an error so unknown
// failures end in a retry.
func (c *Consumer) process(ctx context.Context, ev *event.Event, sentAt time.Time) (out delivery.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()
	return c.processor.Process(ctx, ev, sentAt)
}

func (c *Consumer) delete(ctx context.Context, msg queue.Message) error {
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		metrics.QueueErrors.WithLabelValues("delete").Inc()
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// deferMessage hides msg for the backoff delay and marks it unsettled.
func (c *Consumer) deferMessage(ctx context.Context, log *slog.Logger, msg queue.Message, r MessageResult, cause error) MessageResult {
	r.Deferred = true
	if cause != nil {
		r.Err = cause
	}
	delay := c.Backoff().DelayFor(msg, c.opts.Now())
	if err := c.queue.ChangeVisibility(ctx, msg.ReceiptHandle, delay); err != nil {
		metrics.QueueErrors.WithLabelValues("change_visibility").Inc()
		log.Error("could not defer message, it reappears after its visibility timeout", "err", err)
		if r.Err == nil {
			r.Err = errors.Wrap(err, "change visibility")
		}
		return r
	}
	log.Warn("message deferred", "outcome", r.Outcome, "delay", delay, "receive_count", msg.ReceiveCount)
	return r
}

// RunOptions controls the poll loop.
type RunOptions struct {
	BatchSize    int
	WaitTime     time.Duration // long-poll wait per receive
	PollInterval time.Duration // pause after an empty or failed receive
}

// Run receives and handles batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, opts RunOptions) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := c.queue.Receive(ctx, opts.BatchSize, opts.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.QueueErrors.WithLabelValues("receive").Inc()
			c.logger.Warn("receive failed", "err", err)
			if !pause(ctx, opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if len(msgs) == 0 {
			if opts.WaitTime <= 0 && !pause(ctx, opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		if _, err := c.HandleBatch(ctx, msgs); err != nil && !IsDeferral(err) {
			c.logger.Error("batch failed", "err", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
