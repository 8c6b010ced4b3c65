package event

import (
	"encoding/json"
	"time"
)

const (
	SpecVersion     = "1.0"
	ContentTypeJSON = "application/json"
)

// Event is the envelope exchanged between services. It follows the
// CloudEvents attribute set; (Source, ID) is unique across all events.
type Event struct {
	SpecVersion     string
	Type            string // dot-namespaced, e.g. "lightrail.transaction.created"
	Source          string
	ID              string
	Time            time.Time
	UserID          string
	DataContentType string
	Data            json.RawMessage

	// FailedWebhookIDs lists the subscribers that have not yet been notified
	// successfully. Empty on the first delivery attempt.
	FailedWebhookIDs []string
}

// PublicEvent is the projection of an Event handed to webhook subscribers.
// Routing and delivery-state fields are left out.
type PublicEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// ToPublic projects e down to its public fields.
func (e *Event) ToPublic() PublicEvent {
	return PublicEvent{
		ID:   e.ID,
		Type: e.Type,
		Time: e.Time,
		Data: e.Data,
	}
}

// ToPublic returns p unchanged, so projecting twice equals projecting once.
func (p PublicEvent) ToPublic() PublicEvent {
	return p
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	c.FailedWebhookIDs = append([]string{}, e.FailedWebhookIDs...)
	return &c
}
