package consumer

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeferredError is returned by HandleBatch when at least one message was left
// on the queue for a later attempt. Queue drivers that acknowledge a whole
// batch when the handler succeeds must see a failure here, or the deferred
// messages would be acknowledged with the rest. Messages the consumer already
// deleted are not affected.
//
// It is the deferral mechanism, not an incident: filter it out of alerting
// with IsDeferral.
type DeferredError struct {
	MessageIDs []string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("intentional failure to prevent automatic acknowledgement of %d deferred message(s): %v",
		len(e.MessageIDs), e.MessageIDs)
}

// IsDeferral reports whether err only signals deferred messages.
func IsDeferral(err error) bool {
	var de *DeferredError
	return errors.As(err, &de)
}

// guard turns the batch result into the invocation-level signal.
func guard(res BatchResult) error {
	deferred := res.Deferred()
	if len(deferred) == 0 {
		return nil
	}
	return &DeferredError{MessageIDs: deferred}
}
