package consumer_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventq/internal/consumer"
	"github.com/gyaneshwarpardhi/eventq/internal/delivery"
	"github.com/gyaneshwarpardhi/eventq/internal/event"
	"github.com/gyaneshwarpardhi/eventq/internal/queue"
)

// recordingQueue wraps a memory queue and records every operation the
// consumer applies. Failures can be injected per operation.
type recordingQueue struct {
	*queue.Memory

	mu         sync.Mutex
	deleted    []string
	deferred   map[string]time.Duration
	sent       []queue.OutboundMessage
	failDelete error
	failSend   error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{
		Memory:   queue.NewMemory("events", queue.MemoryOptions{}),
		deferred: map[string]time.Duration{},
	}
}

func (q *recordingQueue) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failDelete != nil {
		return q.failDelete
	}
	q.deleted = append(q.deleted, handle)
	return q.Memory.Delete(ctx, handle)
}

func (q *recordingQueue) ChangeVisibility(ctx context.Context, handle string, timeout time.Duration) error {
	q.mu.Lock()
	q.deferred[handle] = timeout
	q.mu.Unlock()
	return q.Memory.ChangeVisibility(ctx, handle, timeout)
}

func (q *recordingQueue) Send(ctx context.Context, msg queue.OutboundMessage) (string, error) {
	q.mu.Lock()
	if q.failSend != nil {
		q.mu.Unlock()
		return "", q.failSend
	}
	q.sent = append(q.sent, msg)
	q.mu.Unlock()
	return q.Memory.Send(ctx, msg)
}

func newEvent(id string) *event.Event {
	return &event.Event{
		SpecVersion:      event.SpecVersion,
		Type:             "plane.created",
		Source:           "/gutenberg/tests",
		ID:               id,
		Time:             time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		DataContentType:  event.ContentTypeJSON,
		Data:             json.RawMessage(`{"plane":"boeing"}`),
		FailedWebhookIDs: []string{},
	}
}

// deliver publishes one event per id and receives them back as a batch.
func deliver(t *testing.T, q *recordingQueue, ids ...string) []queue.Message {
	t.Helper()
	for _, id := range ids {
		_, err := q.Memory.Send(context.Background(), event.Encode(newEvent(id), 0))
		require.NoError(t, err)
	}
	msgs, err := q.Receive(context.Background(), len(ids), 0)
	require.NoError(t, err)
	require.Len(t, msgs, len(ids))
	return msgs
}

// byEventID answers with the outcome registered for the event id.
func byEventID(outcomes map[string]delivery.Outcome) delivery.Processor {
	return delivery.ProcessorFunc(func(_ context.Context, ev *event.Event, _ time.Time) (delivery.Outcome, error) {
		return outcomes[ev.ID], nil
	})
}

func TestHandleBatch_GuardKeepsDeferredMessages(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A", "B")

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Delete(),
		"B": delivery.Backoff(),
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)

	assert.Equal(t, []string{msgs[0].ReceiptHandle}, q.deleted)
	assert.NotContains(t, q.deleted, msgs[1].ReceiptHandle)
	assert.Contains(t, q.deferred, msgs[1].ReceiptHandle)
	assert.Equal(t, time.Minute, q.deferred[msgs[1].ReceiptHandle])

	require.Error(t, err)
	assert.True(t, consumer.IsDeferral(err))
	var de *consumer.DeferredError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{msgs[1].ID}, de.MessageIDs)
	assert.Equal(t, []string{msgs[1].ID}, res.Deferred())
	assert.Equal(t, consumer.OutcomeDelete, res.Messages[0].Outcome)
	assert.Equal(t, consumer.OutcomeBackoff, res.Messages[1].Outcome)

	assert.Equal(t, 1, q.Len())
}

func TestHandleBatch_AllDeletedSignalsSuccess(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A", "B")

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Delete(),
		"B": delivery.Delete(),
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	require.NoError(t, err)
	assert.Empty(t, res.Deferred())
	assert.Len(t, q.deleted, 2)
	assert.Zero(t, q.Len())
}

func TestHandleBatch_RequeuePublishesSuccessorAndDeletesOriginal(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "123")

	next := newEvent("123")
	next.FailedWebhookIDs = []string{"webhookA"}
	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"123": delivery.Requeue(next),
	}), consumer.Options{RequeueDelay: 45 * time.Second})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeRequeue, res.Messages[0].Outcome)

	assert.Equal(t, []string{msgs[0].ReceiptHandle}, q.deleted)
	require.Len(t, q.sent, 1)
	assert.Equal(t, 45*time.Second, q.sent[0].Delay)

	successor, err := event.Decode(queue.Message{
		Body:       q.sent[0].Body,
		Attributes: q.sent[0].Attributes,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"webhookA"}, successor.FailedWebhookIDs)
	assert.Equal(t, "123", successor.ID)
}

func TestHandleBatch_RequeuePublishFailureKeepsOriginal(t *testing.T) {
	q := newRecordingQueue()
	q.failSend = errors.New("queue unavailable")
	msgs := deliver(t, q, "123")

	next := newEvent("123")
	next.FailedWebhookIDs = []string{"webhookA"}
	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"123": delivery.Requeue(next),
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	assert.True(t, consumer.IsDeferral(err))
	assert.Empty(t, q.deleted)
	assert.Contains(t, q.deferred, msgs[0].ReceiptHandle)
	assert.Equal(t, consumer.OutcomeError, res.Messages[0].Outcome)
	assert.ErrorContains(t, res.Messages[0].Err, "queue unavailable")
}

func TestHandleBatch_DecodeFailureDeletesWithoutProcessing(t *testing.T) {
	q := newRecordingQueue()
	msg := event.Encode(newEvent("bad"), 0)
	msg.Body = "{not json"
	_, err := q.Memory.Send(context.Background(), msg)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	called := false
	c, err := consumer.New(q, delivery.ProcessorFunc(func(context.Context, *event.Event, time.Time) (delivery.Outcome, error) {
		called = true
		return delivery.Backoff(), nil
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, []string{msgs[0].ReceiptHandle}, q.deleted)
	assert.Empty(t, q.deferred)
	assert.Equal(t, consumer.OutcomeDecodeFailure, res.Messages[0].Outcome)
	assert.True(t, event.IsDecodeError(res.Messages[0].Err))
}

func TestHandleBatch_UnexpectedErrorDefers(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A", "B")

	c, err := consumer.New(q, delivery.ProcessorFunc(func(_ context.Context, ev *event.Event, _ time.Time) (delivery.Outcome, error) {
		switch ev.ID {
		case "A":
			return delivery.Outcome{}, errors.New("subscriber lookup failed")
		default:
			panic("boom")
		}
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	assert.True(t, consumer.IsDeferral(err))
	assert.Empty(t, q.deleted)
	assert.Len(t, q.deferred, 2)
	assert.ElementsMatch(t, []string{msgs[0].ID, msgs[1].ID}, res.Deferred())
	assert.ErrorContains(t, res.Messages[1].Err, "panic")
	assert.Equal(t, 2, q.Len())
}

func TestHandleBatch_InvalidOutcomeDefers(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A")

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Requeue(nil),
	}), consumer.Options{})
	require.NoError(t, err)

	_, err = c.HandleBatch(context.Background(), msgs)
	assert.True(t, consumer.IsDeferral(err))
	assert.Empty(t, q.deleted)
	assert.Empty(t, q.sent)
}

func TestHandleBatch_DeleteFailureDefers(t *testing.T) {
	q := newRecordingQueue()
	q.failDelete = errors.New("network down")
	msgs := deliver(t, q, "A")

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Delete(),
	}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(context.Background(), msgs)
	assert.True(t, consumer.IsDeferral(err))
	assert.Contains(t, q.deferred, msgs[0].ReceiptHandle)
	assert.Equal(t, consumer.OutcomeError, res.Messages[0].Outcome)
}

func TestHandleBatch_BackoffGrowsWithReceiveCount(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A")
	msgs[0].ReceiveCount = 4

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Backoff(),
	}), consumer.Options{Backoff: consumer.BackoffPolicy{Initial: time.Second, Max: time.Hour}})
	require.NoError(t, err)

	_, _ = c.HandleBatch(context.Background(), msgs)
	assert.Equal(t, 8*time.Second, q.deferred[msgs[0].ReceiptHandle])

	c.SetBackoff(consumer.BackoffPolicy{Initial: time.Minute, Max: 2 * time.Minute})
	_, _ = c.HandleBatch(context.Background(), msgs)
	assert.Equal(t, 2*time.Minute, q.deferred[msgs[0].ReceiptHandle])
}

func TestHandleBatch_CancelledContextLeavesMessages(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{"A": delivery.Delete()}), consumer.Options{})
	require.NoError(t, err)

	res, err := c.HandleBatch(ctx, msgs)
	assert.True(t, consumer.IsDeferral(err))
	assert.Empty(t, q.deleted)
	assert.Empty(t, q.deferred)
	assert.ErrorIs(t, res.Messages[0].Err, context.Canceled)
}

func TestHandleBatch_ConcurrencyLimit(t *testing.T) {
	q := newRecordingQueue()
	msgs := deliver(t, q, "A", "B", "C", "D")

	started := make(chan string, len(msgs))
	release := make(chan struct{})
	c, err := consumer.New(q, delivery.ProcessorFunc(func(_ context.Context, ev *event.Event, _ time.Time) (delivery.Outcome, error) {
		started <- ev.ID
		<-release
		return delivery.Delete(), nil
	}), consumer.Options{Concurrency: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.HandleBatch(context.Background(), msgs)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("expected two messages in flight")
		}
	}
	select {
	case id := <-started:
		t.Fatalf("message %s started beyond the concurrency limit", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, q.deleted, 4)
	assert.Zero(t, q.Len())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := consumer.New(nil, byEventID(nil), consumer.Options{})
	assert.Error(t, err)
	_, err = consumer.New(newRecordingQueue(), nil, consumer.Options{})
	assert.Error(t, err)
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	q := newRecordingQueue()
	for _, id := range []string{"A", "B", "C"} {
		_, err := q.Memory.Send(context.Background(), event.Encode(newEvent(id), 0))
		require.NoError(t, err)
	}

	c, err := consumer.New(q, byEventID(map[string]delivery.Outcome{
		"A": delivery.Delete(),
		"B": delivery.Delete(),
		"C": delivery.Backoff(),
	}), consumer.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, consumer.RunOptions{BatchSize: 2, PollInterval: 10 * time.Millisecond})
	}()

	assert.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
