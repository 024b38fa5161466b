package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/agent"
	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/mutation"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/store"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

// Orders is the order cache the machine reads and confirms into.
type Orders interface {
	Get(id string) (domain.Order, bool)
	ApplyConfirmation(c domain.Confirmation) bool
}

// Mutator persists commands. *mutation.Coordinator satisfies it.
type Mutator interface {
	Perform(ctx context.Context, cmd mutation.Command, guard mutation.Guard, commit mutation.Commit) (domain.Confirmation, error)
}

// Agents resolves assignable delivery agents. *agent.Directory satisfies it.
type Agents interface {
	Resolve(ctx context.Context, agentID string) (domain.Agent, error)
}

// Broadcaster tells other consoles about confirmed status changes.
type Broadcaster interface {
	EmitStatusUpdate(orderID, status, note string) error
}

// Machine enforces the order lifecycle for operator commands.
type Machine struct {
	orders      Orders
	mutator     Mutator
	agents      Agents
	broadcaster Broadcaster
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Module provides the lifecycle machine.
var Module = fx.Provide(func(s *store.Store, c *mutation.Coordinator, d *agent.Directory, m *realtime.Manager, logger *zap.Logger) *Machine {
	return New(s, c, d, m, logger)
})

// New builds a machine. broadcaster may be nil.
func New(orders Orders, mutator Mutator, agents Agents, broadcaster Broadcaster, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		orders:      orders,
		mutator:     mutator,
		agents:      agents,
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("component", "order_lifecycle")),
		tracer:      otel.Tracer("github.com/Additional-Code/ordersync/lifecycle"),
	}
}

// RequestStatusChange moves an order to target. Requesting the current status
// succeeds without contacting the server. The cached order changes only after
// the server confirmed the new status.
func (m *Machine) RequestStatusChange(ctx context.Context, orderID string, target domain.Status, note string) (order domain.Order, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.RequestStatusChange", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", target.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := target.Validate(); err != nil {
		return domain.Order{}, errorbank.BadRequest("unknown order status",
			errorbank.WithCause(err),
			errorbank.WithDetail("status", target.String()),
		)
	}
	if _, ok := m.orders.Get(orderID); !ok {
		return domain.Order{}, notFound(orderID)
	}

	var from domain.Status
	skipped := false
	guard := func() (bool, error) {
		current, ok := m.orders.Get(orderID)
		if !ok {
			return false, notFound(orderID)
		}
		from = current.Status.Current
		if from == target {
			skipped = true
			return true, nil
		}
		if err := from.CheckTransition(target); err != nil {
			return false, errorbank.Unprocessable("status change not allowed",
				errorbank.WithCause(err),
				errorbank.WithDetail("from", from.String()),
				errorbank.WithDetail("to", target.String()),
			)
		}
		return false, nil
	}
	commit := func(c domain.Confirmation) {
		m.orders.ApplyConfirmation(c)
	}

	confirmation, err := m.mutator.Perform(ctx, mutation.ChangeStatus(orderID, target, note), guard, commit)
	if err != nil {
		return domain.Order{}, err
	}

	if !skipped {
		m.logger.Info("order status changed",
			zap.String("order_id", orderID),
			zap.String("from", from.String()),
			zap.String("to", confirmation.Status.String()),
		)
		m.broadcast(orderID, confirmation.Status, note)
	}
	return m.current(orderID)
}

// AssignDeliveryAgent attaches an active agent to a non-terminal order. The
// cached order changes only after the server confirmed the assignment.
func (m *Machine) AssignDeliveryAgent(ctx context.Context, orderID, agentID string) (order domain.Order, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.AssignDeliveryAgent", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("agent.id", agentID),
	))
	defer func() { endSpan(span, err) }()

	current, ok := m.orders.Get(orderID)
	if !ok {
		return domain.Order{}, notFound(orderID)
	}
	if err := terminalCheck(current); err != nil {
		return domain.Order{}, err
	}

	resolved, err := m.agents.Resolve(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrAgentUnavailable) {
			return domain.Order{}, errorbank.Unprocessable("delivery agent unavailable",
				errorbank.WithCause(err),
				errorbank.WithDetail("agent", agentID),
			)
		}
		return domain.Order{}, errorbank.BadGateway("could not verify delivery agent",
			errorbank.WithCause(err),
			errorbank.WithDetail("agent", agentID),
		)
	}

	guard := func() (bool, error) {
		latest, ok := m.orders.Get(orderID)
		if !ok {
			return false, notFound(orderID)
		}
		if err := terminalCheck(latest); err != nil {
			return false, err
		}
		return latest.DeliveryAgent != nil && latest.DeliveryAgent.ID == resolved.ID, nil
	}
	commit := func(c domain.Confirmation) {
		m.orders.ApplyConfirmation(c)
	}

	if _, err := m.mutator.Perform(ctx, mutation.AssignAgent(orderID, resolved.Ref()), guard, commit); err != nil {
		return domain.Order{}, err
	}
	m.logger.Info("delivery agent assigned", zap.String("order_id", orderID), zap.String("agent_id", resolved.ID))
	return m.current(orderID)
}

func (m *Machine) broadcast(orderID string, status domain.Status, note string) {
	if m.broadcaster == nil {
		return
	}
	err := m.broadcaster.EmitStatusUpdate(orderID, status.String(), note)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		m.logger.Debug("status update not broadcast; event channel offline", zap.String("order_id", orderID))
	default:
		m.logger.Warn("status update broadcast failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (m *Machine) current(orderID string) (domain.Order, error) {
	order, ok := m.orders.Get(orderID)
	if !ok {
		return domain.Order{}, notFound(orderID)
	}
	return order, nil
}

func terminalCheck(order domain.Order) error {
	if !order.Status.Current.IsTerminal() {
		return nil
	}
	return errorbank.Unprocessable("order is closed",
		errorbank.WithCause(fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, order.Status.Current)),
		errorbank.WithDetail("from", order.Status.Current.String()),
	)
}

func notFound(orderID string) error {
	return errorbank.NotFound("order not found",
		errorbank.WithCause(fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)),
		errorbank.WithDetail("orderId", orderID),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
