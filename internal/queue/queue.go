package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrReceiptNotFound is returned when a receipt handle does not match the
// current delivery of any message (already deleted, or redelivered with a
// fresh handle).
var ErrReceiptNotFound = errors.New("queue: receipt handle not found")

// Message is a single delivery of a queued message.
type Message struct {
	ID            string
	Body          string
	Attributes    map[string]string
	ReceiptHandle string
	SentTimestamp int64 // epoch milliseconds
	ReceiveCount  int   // approximate; 1 on first delivery, 0 when unknown
}

// SentAt returns the send timestamp as a UTC instant.
func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.SentTimestamp).UTC()
}

// OutboundMessage is a message about to be published.
type OutboundMessage struct {
	Body       string
	Attributes map[string]string
	Delay      time.Duration
}

// Queue is the set of primitives the consumer and the publishing API need.
type Queue interface {
	// Receive returns up to max visible messages, hiding them for the
	// backend's visibility timeout. It waits up to wait for at least one.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
