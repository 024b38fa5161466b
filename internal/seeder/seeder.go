package seeder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	orderrepo "github.com/Additional-Code/ordersync/internal/repository/order"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(func(repo *orderrepo.Repository, logger *zap.Logger) *Seeder {
	return New(repo, logger)
})

// Saver persists orders. *order.Repository satisfies it.
type Saver interface {
	Save(ctx context.Context, orders []domain.Order) error
}

// Seeder writes sample order snapshots for local/dev setups.
type Seeder struct {
	repo   Saver
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Seeder backed by the snapshot repository.
func New(repo Saver, logger *zap.Logger) *Seeder {
	return &Seeder{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Orders upserts the sample orders. Running it twice leaves the same rows.
func (s *Seeder) Orders(ctx context.Context) error {
	samples := SampleOrders(s.now())
	if err := s.repo.Save(ctx, samples); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	}
	return nil
}

// SampleOrders returns a small newest-first set spanning the lifecycle.
func SampleOrders(now time.Time) []domain.Order {
	customer := json.RawMessage(`{"id":"cu-1","name":"Dina Haddad","phone":"+15550100"}`)
	shop := json.RawMessage(`{"id":"st-1","name":"Corner Bakery"}`)

	order := func(id, number string, status domain.Status, total string, age time.Duration) domain.Order {
		created := now.Add(-age)
		return domain.Order{
			ID:          id,
			OrderNumber: number,
			Status:      domain.OrderStatus{Current: status},
			TotalAmount: decimal.RequireFromString(total),
			Customer:    customer,
			Store:       shop,
			Items:       json.RawMessage(`[{"name":"Sourdough","quantity":1}]`),
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}

	ready := order("ord-1003", "ORDER-1003", domain.StatusReadyForPickup, "18.75", 5*time.Minute)
	ready.DeliveryAgent = &domain.AgentRef{ID: "agent-1", Name: "Rafi", Phone: "+15550111"}

	return []domain.Order{
		order("ord-1004", "ORDER-1004", domain.StatusPending, "12.00", time.Minute),
		ready,
		order("ord-1002", "ORDER-1002", domain.StatusConfirmed, "31.20", 10*time.Minute),
		order("ord-1001", "ORDER-1001", domain.StatusDelivered, "9.99", time.Hour),
	}
}
