package delivery

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/gyaneshwarpardhi/eventq/internal/event"
)

// Action is what the consumer must do with a message once it was processed.
type Action int

const (
	// ActionDelete: processing is terminally complete, remove the message.
	ActionDelete Action = iota + 1
	// ActionBackoff: transient failure, hide the message for a growing delay.
	ActionBackoff
	// ActionRequeue: partial success, publish a successor carrying the
	// updated delivery state and remove the original.
	ActionRequeue
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionBackoff:
		return "backoff"
	case ActionRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Outcome is the decision a Processor returns for one event.
type Outcome struct {
	Action Action
	Event  *event.Event // successor, set only for ActionRequeue
}

func Delete() Outcome  { return Outcome{Action: ActionDelete} }
func Backoff() Outcome { return Outcome{Action: ActionBackoff} }

// Requeue returns a requeue outcome publishing next.
func Requeue(next *event.Event) Outcome {
	return Outcome{Action: ActionRequeue, Event: next}
}

// Validate rejects outcomes the consumer cannot apply.
func (o Outcome) Validate() error {
	switch o.Action {
	case ActionDelete, ActionBackoff:
		return nil
	case ActionRequeue:
		if o.Event == nil {
			return errors.New("delivery: requeue outcome without an event")
		}
		return nil
	default:
		return errors.Errorf("delivery: unknown outcome action %d", int(o.Action))
	}
}

// Processor handles one decoded event. sentAt is when the message carrying
// it was published. A returned error is treated like Backoff.
type Processor interface {
	Process(ctx context.Context, ev *event.Event, sentAt time.Time) (Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev *event.Event, sentAt time.Time) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, ev *event.Event, sentAt time.Time) (Outcome, error) {
	return f(ctx, ev, sentAt)
}
