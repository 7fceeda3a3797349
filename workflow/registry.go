package workflow

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one command on behalf of an agent. Implementations must
// honor ctx cancellation best-effort; the executor's timeout is the forcing
// function for handlers that do not.
type Handler interface {
	Handle(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	return f(ctx, params, priorOutputs)
}

type handlerKey struct {
	agent   string
	command string
}

// Registry maps (agent, command) pairs to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

// Register binds a handler to an (agent, command) pair, replacing any
// previous binding.
func (r *Registry) Register(agent, command string, h Handler) error {
	if agent == "" || command == "" {
		return fmt.Errorf("agent and command must be non-empty")
	}
	if h == nil {
		return fmt.Errorf("handler for (%s, %s) is nil", agent, command)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{agent: agent, command: command}] = h
	return nil
}

// Lookup returns the handler for an (agent, command) pair.
func (r *Registry) Lookup(agent, command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey{agent: agent, command: command}]
	return h, ok
}

// Registered reports whether an (agent, command) pair has a handler.
func (r *Registry) Registered(agent, command string) bool {
	_, ok := r.Lookup(agent, command)
	return ok
}

// Agents returns the distinct agent names with at least one handler.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var agents []string
	for k := range r.handlers {
		if _, ok := seen[k.agent]; !ok {
			seen[k.agent] = struct{}{}
			agents = append(agents, k.agent)
		}
	}
	return agents
}
