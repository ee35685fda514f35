package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"autopilot/internal/jobs"
)

// HandlerContext is what a handler receives for one delivery.
type HandlerContext struct {
	JobID   string
	Tenant  string // "" for system-wide jobs
	Type    string
	Payload jobs.Payload
	Attempt int // 1-based
}

// Handler executes one job. It must be safe to call again for the same job id.
type Handler func(ctx context.Context, hc HandlerContext) error

// Registry maps job types to handlers. It is filled at startup and read by consumers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a known job type. Registering a type twice is an error.
func (r *Registry) Register(jobType string, h Handler) error {
	if !jobs.Known(jobType) {
		return fmt.Errorf("%w: %q", jobs.ErrUnknownType, jobType)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
