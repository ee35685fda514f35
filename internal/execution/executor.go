package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request is handed to an executor for one approved draft.
type Request struct {
	Tenant     string
	DraftID    string
	ActionType string
	Payload    map[string]any
}

// Result is an executor's structured verdict. A failed Result is still a completed
// execution; only returned errors and panics are treated as exceptions.
type Result struct {
	Success bool
	Output  map[string]any
	Error   string
}

// Failed builds a structured failure.
func Failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Executor performs one action type.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps action types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an action type, replacing any previous one.
func (r *Registry) Register(actionType string, e Executor) {
	if actionType == "" || e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = e
}

func (r *Registry) Lookup(actionType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[actionType]
	return e, ok
}

// Types lists registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
