// internal/delivery/registry.go
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/user/insightdash/internal/types"
)

// Handler delivers a reply to the channel identified by key.
type Handler func(ctx context.Context, key types.ConversationKey, reply *types.Reply) error

// Registry routes replies by conversation key prefix, such as
// "telegram:". The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Prefixes returns the registered prefixes in order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver calls the handler registered for key.
func (r *Registry) Deliver(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && (handler == nil || len(prefix) > len(best)) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for key: %s", key)
	}
	return handler(ctx, key, reply)
}
