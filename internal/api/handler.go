package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/eventq/internal/config"
	"github.com/gyaneshwarpardhi/eventq/internal/event"
	"github.com/gyaneshwarpardhi/eventq/internal/metrics"
	"github.com/gyaneshwarpardhi/eventq/internal/queue"
)

const (
	maxBatchSize  = 10
	defaultSource = "/eventq/api"
)

// Publisher sends messages to the event queue.
type Publisher interface {
	Send(ctx context.Context, msg queue.OutboundMessage) (string, error)
}

// ConfigSource exposes the loaded configuration.
type ConfigSource interface {
	Config() *config.Config
	Reload() (*config.Config, error)
}

// Options configures the handler. Ready and Config are optional.
type Options struct {
	Ready  queue.Pinger
	Config ConfigSource
	Source string // event source for publishers that do not set one
	Logger *slog.Logger
	Now    func() time.Time
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	pub    Publisher
	ready  queue.Pinger
	cfg    ConfigSource
	source string
	logger *slog.Logger
	now    func() time.Time
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(pub Publisher, opts Options) http.Handler {
	if opts.Source == "" {
		opts.Source = defaultSource
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &Handler{
		pub:    pub,
		ready:  opts.Ready,
		cfg:    opts.Config,
		source: opts.Source,
		logger: opts.Logger,
		now:    opts.Now,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/events", h.publishEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.publishBatch)
	h.mux.HandleFunc("GET /v1/subscribers", h.listSubscribers)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.logger, h.mux)
}

// publishRequest is an event as submitted by a producer. Envelope fields the
// producer leaves out are filled in.
type publishRequest struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	ID     string          `json:"id"`
	Time   *time.Time      `json:"time"`
	UserID string          `json:"userid"`
	Data   json.RawMessage `json:"data"`
}

func (p publishRequest) toEvent(defaultSource string, now time.Time) (*event.Event, error) {
	if strings.TrimSpace(p.Type) == "" {
		return nil, errors.New("event type is required")
	}
	ev := &event.Event{
		SpecVersion:      event.SpecVersion,
		Type:             p.Type,
		Source:           p.Source,
		ID:               p.ID,
		Time:             now,
		UserID:           p.UserID,
		DataContentType:  event.ContentTypeJSON,
		Data:             p.Data,
		FailedWebhookIDs: []string{},
	}
	if ev.Source == "" {
		ev.Source = defaultSource
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if p.Time != nil && !p.Time.IsZero() {
		ev.Time = p.Time.UTC()
	}
	return ev, nil
}

func (h *Handler) publish(ctx context.Context, ev *event.Event) (string, error) {
	id, err := h.pub.Send(ctx, event.Encode(ev, 0))
	if err != nil {
		metrics.QueueErrors.WithLabelValues("send").Inc()
		return "", err
	}
	metrics.EventsPublished.WithLabelValues("api").Inc()
	return id, nil
}

// POST /v1/events — publish a single event.
func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := req.toEvent(h.source, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgID, err := h.publish(r.Context(), ev)
	if err != nil {
		h.logger.Error("publish failed", "event_id", ev.ID, "event_type", ev.Type, "err", err)
		writeError(w, http.StatusServiceUnavailable, "event queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         ev.ID,
		"message_id": msgID,
	})
}

// POST /v1/events/batch — publish up to 10 events.
func (h *Handler) publishBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []publishRequest
	if err := decodeJSON(w, r, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(reqs), maxBatchSize))
		return
	}

	now := h.now()
	ids := make([]string, 0, len(reqs))
	var problems []string
	for i, req := range reqs {
		ev, err := req.toEvent(h.source, now)
		if err != nil {
			problems = append(problems, fmt.Sprintf("events[%d]: %s", i, err))
			continue
		}
		if _, err := h.publish(r.Context(), ev); err != nil {
			h.logger.Error("publish failed", "event_id", ev.ID, "event_type", ev.Type, "err", err)
			problems = append(problems, fmt.Sprintf("events[%d]: event queue unavailable", i))
			continue
		}
		ids = append(ids, ev.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"total":    len(reqs),
		"accepted": len(ids),
		"rejected": len(reqs) - len(ids),
		"ids":      ids,
		"errors":   problems,
	})
}

// GET /v1/subscribers — list configured webhook subscribers.
func (h *Handler) listSubscribers(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeError(w, http.StatusNotFound, "configuration not available")
		return
	}
	subs := h.cfg.Config().Webhooks.Subscribers
	out := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		out = append(out, map[string]any{
			"id":          s.ID,
			"url":         s.URL,
			"event_types": s.EventTypes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": out})
}

// POST /v1/config/reload — re-read the configuration from disk.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeError(w, http.StatusNotFound, "configuration not available")
		return
	}
	cfg, err := h.cfg.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":          true,
		"subscribers_count": len(cfg.Webhooks.Subscribers),
	})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the queue backend cannot be reached.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
