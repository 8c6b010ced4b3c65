package consumer

import (
	"time"

	"github.com/gyaneshwarpardhi/eventq/internal/queue"
)

// MaxBackoff is the longest a deferred message stays hidden between
// attempts. It must stay well below the queue's retention period so a
// message gets several attempts before it expires.
const MaxBackoff = 12 * time.Hour

// BackoffPolicy computes how long a deferred message stays hidden.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns the default policy: one minute doubling up to 12h.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: time.Minute, Max: MaxBackoff}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultBackoff().Initial
	}
	if p.Max <= 0 || p.Max > MaxBackoff {
		p.Max = MaxBackoff
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns Initial*2^(attempt-1), capped at Max. attempt counts
// deliveries so far, starting at 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	return delay
}

// DelayFor picks the delay for msg. Without a receive count the message age
// stands in: hiding a message for as long as it has existed doubles its age
// on every attempt. A requeued successor is a new message with its own
// receive count, so its delays start again at Initial; processors bound the
// total retry time by event age instead.
func (p BackoffPolicy) DelayFor(msg queue.Message, now time.Time) time.Duration {
	if msg.ReceiveCount > 0 {
		return p.Delay(msg.ReceiveCount)
	}
	p = p.normalized()
	if msg.SentTimestamp <= 0 {
		return p.Initial
	}
	age := now.Sub(msg.SentAt())
	switch {
	case age < p.Initial:
		return p.Initial
	case age > p.Max:
		return p.Max
	default:
		return age
	}
}
