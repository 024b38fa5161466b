package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/listener"
)

var storeMeter = otel.Meter("github.com/Additional-Code/ordersync/store")

// ChangeKind describes how a store entry changed.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeReplaced      ChangeKind = "replaced"
	ChangeStatusPatched ChangeKind = "status_patched"
	ChangeAgentAssigned ChangeKind = "agent_assigned"
	ChangeLoaded        ChangeKind = "loaded"
)

// Change is the payload of listener.EventOrdersChanged.
type Change struct {
	Kind    ChangeKind
	OrderID string
	Order   domain.Order
}

// Store is the in-process cache of orders, newest first.
//
// Every write completes under the lock; listeners are notified afterwards, so
// they never observe a half-applied merge.
type Store struct {
	mu       sync.RWMutex
	orders   []domain.Order
	index    map[string]int
	registry *listener.Registry
	logger   *zap.Logger
	now      func() time.Time
	merges   metric.Int64Counter
}

// Module provides the order store to Fx.
var Module = fx.Provide(New)

// New builds an empty store that announces changes on registry.
func New(registry *listener.Registry, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	merges, _ := storeMeter.Int64Counter("ordersync.store.merges",
		metric.WithDescription("Store merges by change kind and outcome"))
	return &Store{
		index:    make(map[string]int),
		registry: registry,
		logger:   logger.With(zap.String("component", "order_store")),
		now:      func() time.Time { return time.Now().UTC() },
		merges:   merges,
	}
}

// Get returns a copy of the order with id.
func (s *Store) Get(id string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return domain.Order{}, false
	}
	return s.orders[i].Clone(), true
}

// List returns copies of every cached order, newest first.
func (s *Store) List() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, len(s.orders))
	for i, o := range s.orders {
		out[i] = o.Clone()
	}
	return out
}

// Len returns the number of cached orders.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// Create prepends order unless its id is already cached. It reports whether
// the order was inserted.
func (s *Store) Create(order domain.Order) bool {
	s.mu.Lock()
	if _, exists := s.index[order.ID]; exists {
		s.mu.Unlock()
		s.record(ChangeCreated, false)
		s.logger.Debug("duplicate order creation ignored", zap.String("order_id", order.ID))
		return false
	}

	stored := order.Clone()
	stored.UpdatedAt = s.now()
	s.orders = append([]domain.Order{stored}, s.orders...)
	s.reindex()
	s.mu.Unlock()

	s.record(ChangeCreated, true)
	s.publish(ChangeCreated, stored)
	return true
}

// Replace overwrites the cached order with the same id. Unknown ids are ignored.
func (s *Store) Replace(order domain.Order) bool {
	s.mu.Lock()
	i, exists := s.index[order.ID]
	if !exists {
		s.mu.Unlock()
		s.record(ChangeReplaced, false)
		s.logger.Debug("replacement for unknown order ignored", zap.String("order_id", order.ID))
		return false
	}

	stored := order.Clone()
	stored.UpdatedAt = s.now()
	s.orders[i] = stored
	s.mu.Unlock()

	s.record(ChangeReplaced, true)
	s.publish(ChangeReplaced, stored)
	return true
}

// PatchStatus updates only status.current and updatedAt of a cached order.
func (s *Store) PatchStatus(id string, status domain.Status) bool {
	return s.PatchStatusAt(id, status, time.Time{})
}

// PatchStatusAt is PatchStatus with the server-side time of the change. A zero
// at falls back to the local clock.
func (s *Store) PatchStatusAt(id string, status domain.Status, at time.Time) bool {
	return s.patchAt(id, ChangeStatusPatched, at, func(o *domain.Order) {
		o.Status.Current = status
	})
}

// AssignAgent sets the delivery agent of a cached order.
func (s *Store) AssignAgent(id string, agent domain.AgentRef) bool {
	return s.patch(id, ChangeAgentAssigned, func(o *domain.Order) {
		ref := agent
		o.DeliveryAgent = &ref
	})
}

// ApplyConfirmation merges the authoritative result of a mutation. The
// server's UpdatedAt wins over the local clock when present.
func (s *Store) ApplyConfirmation(c domain.Confirmation) bool {
	kind := ChangeStatusPatched
	if c.Agent != nil {
		kind = ChangeAgentAssigned
	}
	return s.patchAt(c.OrderID, kind, c.UpdatedAt, func(o *domain.Order) {
		if c.Status != "" {
			o.Status.Current = c.Status
		}
		if c.Agent != nil {
			ref := *c.Agent
			o.DeliveryAgent = &ref
		}
	})
}

func (s *Store) patch(id string, kind ChangeKind, mutate func(*domain.Order)) bool {
	return s.patchAt(id, kind, time.Time{}, mutate)
}

func (s *Store) patchAt(id string, kind ChangeKind, at time.Time, mutate func(*domain.Order)) bool {
	s.mu.Lock()
	i, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		s.record(kind, false)
		s.logger.Warn("orphaned order patch ignored", zap.String("order_id", id), zap.String("kind", string(kind)))
		return false
	}

	if at.IsZero() {
		at = s.now()
	}
	mutate(&s.orders[i])
	s.orders[i].UpdatedAt = at.UTC()
	stored := s.orders[i].Clone()
	s.mu.Unlock()

	s.record(kind, true)
	s.publish(kind, stored)
	return true
}

// Load inserts the orders whose ids are not cached yet, keeping their relative
// order after the entries already present. It returns how many were inserted.
func (s *Store) Load(orders []domain.Order) int {
	s.mu.Lock()
	inserted := make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if _, exists := s.index[order.ID]; exists {
			continue
		}
		stored := order.Clone()
		s.index[stored.ID] = len(s.orders)
		s.orders = append(s.orders, stored)
		inserted = append(inserted, stored)
	}
	s.mu.Unlock()

	for _, order := range inserted {
		s.publish(ChangeLoaded, order)
	}
	return len(inserted)
}

func (s *Store) reindex() {
	for i, o := range s.orders {
		s.index[o.ID] = i
	}
}

func (s *Store) publish(kind ChangeKind, order domain.Order) {
	if s.registry == nil {
		return
	}
	s.registry.Notify(listener.EventOrdersChanged, Change{Kind: kind, OrderID: order.ID, Order: order})
}

func (s *Store) record(kind ChangeKind, applied bool) {
	if s.merges == nil {
		return
	}
	s.merges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("applied", applied),
	))
}
