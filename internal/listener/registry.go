package listener

import (
	"fmt"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Reserved event names shared by the console components.
const (
	EventConnectionState = "connection-state"
	EventOrdersChanged   = "orders-changed"
	EventNotification    = "notification"
)

// Callback receives the payload passed to Notify.
type Callback func(payload any)

// Handle identifies one registration. The zero Handle is never issued.
type Handle uint64

type subscription struct {
	handle   Handle
	callback Callback
}

// Registry multiplexes named events to ordered callbacks.
type Registry struct {
	mu     sync.RWMutex
	next   Handle
	subs   map[string][]subscription
	logger *zap.Logger
}

// Module provides the shared registry to Fx.
var Module = fx.Provide(New)

// New builds an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   make(map[string][]subscription),
		logger: logger.With(zap.String("component", "listener_registry")),
	}
}

// Add registers callback for event and returns its handle.
func (r *Registry) Add(event string, callback Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := r.next
	r.subs[event] = append(r.subs[event], subscription{handle: h, callback: callback})
	return h
}

// Remove unregisters handle from event. Unknown handles are ignored.
func (r *Registry) Remove(event string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[event]
	for i, sub := range subs {
		if sub.handle != h {
			continue
		}
		kept := make([]subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(r.subs, event)
		} else {
			r.subs[event] = kept
		}
		return
	}
}

// Notify calls every callback registered for event, in registration order.
// A panicking callback is logged and skipped.
func (r *Registry) Notify(event string, payload any) {
	r.mu.RLock()
	subs := r.subs[event]
	r.mu.RUnlock()

	for _, sub := range subs {
		r.invoke(event, sub, payload)
	}
}

func (r *Registry) invoke(event string, sub subscription, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener callback failed",
				zap.String("event", event),
				zap.Uint64("handle", uint64(sub.handle)),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	sub.callback(payload)
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string][]subscription)
}

// Len returns the number of callbacks registered for event.
func (r *Registry) Len(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}
