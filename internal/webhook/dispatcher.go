// Package webhook delivers events to HTTP subscribers and reports the
// delivery decision back to the consumer.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/gyaneshwarpardhi/eventq/internal/delivery"
	"github.com/gyaneshwarpardhi/eventq/internal/event"
	"github.com/gyaneshwarpardhi/eventq/internal/metrics"
	"github.com/gyaneshwarpardhi/eventq/internal/secret"
)

const (
	HeaderEventID   = "X-Event-Id"
	HeaderEventType = "X-Event-Type"
	HeaderSignature = "X-Event-Signature"

	signaturePrefix = "sha256="

	// DefaultMaxAge is how long failed deliveries are retried before the
	// event is given up on. It stays below the queue retention period.
	DefaultMaxAge = 72 * time.Hour
)

// Subscriber is a webhook endpoint and the event types it receives.
type Subscriber struct {
	ID         string   `yaml:"id" json:"id"`
	URL        string   `yaml:"url" json:"url"`
	EventTypes []string `yaml:"event_types" json:"event_types"` // "*", "prefix.*" or exact; empty means all
}

// Matches reports whether s wants events of eventType.
func (s Subscriber) Matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, p := range s.EventTypes {
		p = strings.TrimSpace(p)
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")) {
				return true
			}
		case p == eventType:
			return true
		}
	}
	return false
}

// Options configures a Dispatcher.
type Options struct {
	Keys    secret.KeySource // signing key, required
	Client  *http.Client
	Timeout time.Duration // per call
	MaxAge  time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Dispatcher is a delivery.Processor that POSTs the public view of each
// event to its subscribers.
type Dispatcher struct {
	subs    atomic.Pointer[[]Subscriber]
	keys    atomic.Pointer[keySource]
	client  *http.Client
	timeout time.Duration
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher for subs.
func NewDispatcher(subs []Subscriber, opts Options) (*Dispatcher, error) {
	if opts.Keys == nil {
		return nil, errors.New("webhook: signing key source is required")
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	d := &Dispatcher{
		client:  opts.Client,
		timeout: opts.Timeout,
		maxAge:  opts.MaxAge,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	d.SetSubscribers(subs)
	d.SetKeys(opts.Keys)
	return d, nil
}

type keySource struct{ secret.KeySource }

// SetKeys atomically replaces the signing key source. A nil source is ignored.
func (d *Dispatcher) SetKeys(keys secret.KeySource) {
	if keys == nil {
		return
	}
	d.keys.Store(&keySource{keys})
}

// SetSubscribers atomically replaces the subscriber list (used on hot-reload).
func (d *Dispatcher) SetSubscribers(subs []Subscriber) {
	cp := append([]Subscriber(nil), subs...)
	d.subs.Store(&cp)
}

// Subscribers returns the current subscriber list.
func (d *Dispatcher) Subscribers() []Subscriber {
	return *d.subs.Load()
}

// targets returns the subscribers ev still has to reach. When the event
// carries failed IDs only those are retried.
func (d *Dispatcher) targets(ev *event.Event) []Subscriber {
	var pending map[string]bool
	if len(ev.FailedWebhookIDs) > 0 {
		pending = make(map[string]bool, len(ev.FailedWebhookIDs))
		for _, id := range ev.FailedWebhookIDs {
			pending[id] = true
		}
	}
	var out []Subscriber
	for _, s := range d.Subscribers() {
		if !s.Matches(ev.Type) {
			continue
		}
		if pending != nil && !pending[s.ID] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Process notifies every pending subscriber of ev.
func (d *Dispatcher) Process(ctx context.Context, ev *event.Event, sentAt time.Time) (delivery.Outcome, error) {
	log := d.logger.With("event_id", ev.ID, "event_type", ev.Type)

	targets := d.targets(ev)
	if len(targets) == 0 {
		log.Debug("no webhook subscribers for event")
		return delivery.Delete(), nil
	}

	key, err := d.keys.Load().Key(ctx)
	if err != nil {
		return delivery.Outcome{}, errors.Wrap(err, "webhook signing key")
	}
	body, err := json.Marshal(ev.ToPublic())
	if err != nil {
		return delivery.Outcome{}, errors.Wrap(err, "marshal public event")
	}
	signature := Sign(key, body)

	var failed []string
	for _, s := range targets {
		if err := d.send(ctx, s, ev, body, signature); err != nil {
			metrics.WebhookCalls.WithLabelValues("failure").Inc()
			log.Warn("webhook call failed", "webhook_id", s.ID, "err", err)
			failed = append(failed, s.ID)
			continue
		}
		metrics.WebhookCalls.WithLabelValues("success").Inc()
		log.Debug("webhook notified", "webhook_id", s.ID)
	}

	switch {
	case len(failed) == 0:
		return delivery.Delete(), nil
	case d.expired(ev, sentAt):
		log.Warn("giving up on webhook delivery", "failed_webhook_ids", failed, "max_age", d.maxAge)
		return delivery.Delete(), nil
	case len(failed) == len(targets):
		return delivery.Backoff(), nil
	default:
		next := ev.Clone()
		next.FailedWebhookIDs = failed
		return delivery.Requeue(next), nil
	}
}

// expired measures age from the earlier of event time and send time, so a
// requeued successor does not reset the clock.
func (d *Dispatcher) expired(ev *event.Event, sentAt time.Time) bool {
	origin := ev.Time
	if origin.IsZero() || (!sentAt.IsZero() && sentAt.Before(origin)) {
		origin = sentAt
	}
	if origin.IsZero() {
		return false
	}
	return d.now().Sub(origin) > d.maxAge
}

func (d *Dispatcher) send(ctx context.Context, s Subscriber, ev *event.Event, body []byte, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", event.ContentTypeJSON)
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderEventType, ev.Type)
	req.Header.Set(HeaderSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Sign.
func Verify(key, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

var _ delivery.Processor = (*Dispatcher)(nil)
