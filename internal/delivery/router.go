package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/eventq/internal/event"
)

// Router maps event types to processors.
// It is safe for concurrent reads; Register should only be called at startup.
//
// Patterns are an exact type ("plane.created"), a namespace ("plane.*") or
// "*". The most specific pattern wins.
type Router struct {
	mu         sync.RWMutex
	exact      map[string]Processor
	namespaces map[string]Processor // key is the prefix including the trailing dot
	fallback   Processor
	logger     *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		exact:      make(map[string]Processor),
		namespaces: make(map[string]Processor),
		logger:     logger,
	}
}

// Register adds p under pattern. Panics on duplicate pattern to surface misconfiguration early.
func (r *Router) Register(pattern string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "*":
		if r.fallback != nil {
			panic("delivery router: duplicate pattern \"*\"")
		}
		r.fallback = p
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if _, exists := r.namespaces[prefix]; exists {
			panic(fmt.Sprintf("delivery router: duplicate pattern %q", pattern))
		}
		r.namespaces[prefix] = p
	default:
		if _, exists := r.exact[pattern]; exists {
			panic(fmt.Sprintf("delivery router: duplicate pattern %q", pattern))
		}
		r.exact[pattern] = p
	}
}

// Lookup returns the processor for eventType.
func (r *Router) Lookup(eventType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.exact[eventType]; ok {
		return p, true
	}
	best := ""
	for prefix := range r.namespaces {
		if strings.HasPrefix(eventType, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.namespaces[best], true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Patterns returns all registered patterns, sorted.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exact)+len(r.namespaces)+1)
	for k := range r.exact {
		out = append(out, k)
	}
	for k := range r.namespaces {
		out = append(out, k+"*")
	}
	if r.fallback != nil {
		out = append(out, "*")
	}
	sort.Strings(out)
	return out
}

// Process dispatches ev to its processor. Events nobody handles have nothing
// left to deliver and are deleted.
func (r *Router) Process(ctx context.Context, ev *event.Event, sentAt time.Time) (Outcome, error) {
	p, ok := r.Lookup(ev.Type)
	if !ok {
		r.logger.Debug("no processor for event type", "event_id", ev.ID, "event_type", ev.Type)
		return Delete(), nil
	}
	return p.Process(ctx, ev, sentAt)
}

var _ Processor = (*Router)(nil)
