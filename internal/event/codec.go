package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gyaneshwarpardhi/eventq/internal/queue"
)

// Message attribute keys.
const (
	AttrSpecVersion       = "specversion"
	AttrType              = "type"
	AttrSource            = "source"
	AttrID                = "id"
	AttrTime              = "time"
	AttrUserID            = "userid"
	AttrDataContentType   = "datacontenttype"
	AttrFailedDeliveryIDs = "faileddeliveryids"
)

// Older producers wrote the delivery state under these keys. Producers that
// used deliveredwebhookids listed the subscribers already notified; its value
// is read with the pending meaning of faileddeliveryids, so a legacy message
// in flight retries only the subscribers it names.
var deliveryStateAliases = []string{AttrFailedDeliveryIDs, "failedwebhookids", "deliveredwebhookids"}

// DecodeError reports a message that can never be decoded, however often it
// is redelivered.
type DecodeError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("event: cannot decode message %q: %s", e.MessageID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode maps a queue message to an Event. Every failure is a *DecodeError.
func Decode(msg queue.Message) (*Event, error) {
	fail := func(reason string, err error) (*Event, error) {
		return nil, &DecodeError{MessageID: msg.ID, Reason: reason, Err: err}
	}
	attrs := foldAttributes(msg.Attributes)

	ev := &Event{
		SpecVersion:     attrs[AttrSpecVersion],
		Type:            attrs[AttrType],
		Source:          attrs[AttrSource],
		ID:              attrs[AttrID],
		UserID:          attrs[AttrUserID],
		DataContentType: attrs[AttrDataContentType],
	}

	if ev.SpecVersion == "" {
		ev.SpecVersion = SpecVersion
	} else if ev.SpecVersion != SpecVersion {
		return fail(fmt.Sprintf("unsupported specversion %q", ev.SpecVersion), nil)
	}
	if ev.DataContentType == "" {
		ev.DataContentType = ContentTypeJSON
	} else if ev.DataContentType != ContentTypeJSON {
		return fail(fmt.Sprintf("unsupported datacontenttype %q", ev.DataContentType), nil)
	}
	for _, req := range []struct{ key, val string }{
		{AttrType, ev.Type},
		{AttrSource, ev.Source},
		{AttrID, ev.ID},
		{AttrTime, attrs[AttrTime]},
	} {
		if strings.TrimSpace(req.val) == "" {
			return fail("missing attribute "+req.key, nil)
		}
	}

	t, err := parseTime(attrs[AttrTime])
	if err != nil {
		return fail("invalid time", err)
	}
	ev.Time = t

	ev.FailedWebhookIDs = []string{}
	for _, key := range deliveryStateAliases {
		raw, ok := attrs[key]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fail("invalid "+key, err)
		}
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				ev.FailedWebhookIDs = append(ev.FailedWebhookIDs, id)
			}
		}
		break
	}

	body := []byte(msg.Body)
	if !json.Valid(body) {
		return fail("body is not valid JSON", nil)
	}
	ev.Data = json.RawMessage(body)
	return ev, nil
}

// Encode maps an Event to a message ready to publish after delay.
func Encode(ev *Event, delay time.Duration) queue.OutboundMessage {
	if delay < 0 {
		delay = 0
	}
	failed := ev.FailedWebhookIDs
	if failed == nil {
		failed = []string{}
	}
	rawFailed, _ := json.Marshal(failed)

	specVersion := ev.SpecVersion
	if specVersion == "" {
		specVersion = SpecVersion
	}
	contentType := ev.DataContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	attrs := map[string]string{
		AttrSpecVersion:       specVersion,
		AttrType:              ev.Type,
		AttrSource:            ev.Source,
		AttrID:                ev.ID,
		AttrTime:              ev.Time.UTC().Format(time.RFC3339Nano),
		AttrDataContentType:   contentType,
		AttrFailedDeliveryIDs: string(rawFailed),
	}
	if ev.UserID != "" {
		attrs[AttrUserID] = ev.UserID
	}

	body := string(ev.Data)
	if len(ev.Data) == 0 {
		body = "null"
	}
	return queue.OutboundMessage{
		Body:       body,
		Attributes: attrs,
		Delay:      delay,
	}
}

// timeLayouts are tried in order. The last one is JavaScript's
// Date.prototype.toString output, with the zone name stripped beforehand.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

// parseTime reads an ISO-8601 instant in UTC. Times without an offset are
// taken as UTC.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, " ("); i > 0 {
		raw = raw[:i]
	}
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// foldAttributes lower-cases attribute keys. An exact lower-case key wins
// over a differently-cased duplicate.
func foldAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		lk := strings.ToLower(k)
		if _, exists := out[lk]; exists && k != lk {
			continue
		}
		out[lk] = v
	}
	return out
}
