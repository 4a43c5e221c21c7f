// Package delivery routes a run's final reply back to the surface the
// message came from, chosen by session key prefix.
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/turnlog/internal/types"
)

// Handler delivers a message to the session identified by sessionKey.
type Handler func(sessionKey types.SessionKey, message string) error

// Registry routes messages to the handler registered for the longest
// matching session key prefix (e.g. "telegram:", "http:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the matching handler. It returns an error if no handler is
// registered for the key.
func (r *Registry) Deliver(sessionKey types.SessionKey, message string) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(sessionKey), prefix) && (handler == nil || len(prefix) > len(best)) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for session key: %s", sessionKey)
	}
	return handler(sessionKey, message)
}
