// Package commands is the durable job queue: a registry of handlers
// keyed by (namespace, name), submit/execute-sync front-ends, and the
// worker loop that claims persisted commands and runs them out-of-band.
package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// HandlerFunc executes one command. The context carries the claim lease
// deadline; long-running handlers must honor cancellation at every I/O
// point. creds holds the submitting user's resolved provider secrets.
type HandlerFunc func(ctx context.Context, cmd *models.Command, creds credentials.Credentials) (map[string]interface{}, error)

// Registry maps (namespace, name) to handlers. Registration happens at
// startup; a submit for an unregistered key fails fast.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler. Registering the same key twice is a
// programming error and panics at startup rather than shadowing.
func (r *Registry) Register(namespace, name string, fn HandlerFunc) {
	key := namespace + "." + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("commands: handler %s registered twice", key))
	}
	r.handlers[key] = fn
}

// Lookup finds the handler for a command's (namespace, name).
func (r *Registry) Lookup(namespace, name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[namespace+"."+name]
	return fn, ok
}
