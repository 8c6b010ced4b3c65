package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryPollInterval = 50 * time.Millisecond

// MemoryOptions configures an in-process queue.
type MemoryOptions struct {
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

type memoryEntry struct {
	id         string
	body       string
	attributes map[string]string
	sentAt     time.Time
	visibleAt  time.Time
	receives   int
	receipt    string
}

// Memory is an in-process queue with visibility semantics. It backs tests
// and single-process development runs.
type Memory struct {
	mu         sync.Mutex
	name       string
	visibility time.Duration
	now        func() time.Time
	entries    []*memoryEntry
}

// NewMemory creates an empty queue.
func NewMemory(name string, opts MemoryOptions) *Memory {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		name:       name,
		visibility: opts.VisibilityTimeout,
		now:        opts.Now,
	}
}

// Name returns the queue destination identifier.
func (m *Memory) Name() string { return m.name }

func (m *Memory) Send(_ context.Context, msg OutboundMessage) (string, error) {
	now := m.now()
	delay := msg.Delay
	if delay < 0 {
		delay = 0
	}
	e := &memoryEntry{
		id:         uuid.NewString(),
		body:       msg.Body,
		attributes: copyAttributes(msg.Attributes),
		sentAt:     now,
		visibleAt:  now.Add(delay),
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return e.id, nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if out := m.take(max); len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ctx.Err()
		}
		if err := sleepCtx(ctx, min(remaining, memoryPollInterval)); err != nil {
			return nil, err
		}
	}
}

func (m *Memory) take(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Message
	for _, e := range m.entries {
		if len(out) == max {
			break
		}
		if e.visibleAt.After(now) {
			continue
		}
		e.receives++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(m.visibility)
		out = append(out, Message{
			ID:            e.id,
			Body:          e.body,
			Attributes:    copyAttributes(e.attributes),
			ReceiptHandle: e.receipt,
			SentTimestamp: e.sentAt.UnixMilli(),
			ReceiveCount:  e.receives,
		})
	}
	return out
}

func (m *Memory) Delete(_ context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.receipt != "" && e.receipt == receiptHandle {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return ErrReceiptNotFound
}

func (m *Memory) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.receipt != "" && e.receipt == receiptHandle {
			e.visibleAt = m.now().Add(timeout)
			return nil
		}
	}
	return ErrReceiptNotFound
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of messages held, visible or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var (
	_ Queue  = (*Memory)(nil)
	_ Pinger = (*Memory)(nil)
)
