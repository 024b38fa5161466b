package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/restapi"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

const instrumentation = "github.com/Additional-Code/ordersync/mutation"

// Kind names a mutation command.
type Kind string

const (
	KindChangeStatus Kind = "change_status"
	KindAssignAgent  Kind = "assign_agent"
)

// Command is one requested server-side mutation.
type Command struct {
	Kind    Kind
	OrderID string
	Status  domain.Status
	Note    string
	Agent   domain.AgentRef
}

// ChangeStatus builds a status change command.
func ChangeStatus(orderID string, status domain.Status, note string) Command {
	return Command{Kind: KindChangeStatus, OrderID: orderID, Status: status, Note: note}
}

// AssignAgent builds a delivery assignment command. agent supplies the
// denormalized name and phone when the server does not echo them.
func AssignAgent(orderID string, agent domain.AgentRef) Command {
	return Command{Kind: KindAssignAgent, OrderID: orderID, Agent: agent}
}

// Error is a mutation the server did not accept.
type Error struct {
	Kind       Kind
	OrderID    string
	StatusCode int
	Message    string
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Kind, e.OrderID, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Backend performs the REST calls. *restapi.Client satisfies it.
type Backend interface {
	ChangeStatus(ctx context.Context, orderID string, status domain.Status, note string) (domain.Order, error)
	AssignDelivery(ctx context.Context, orderID, agentID string) (domain.Order, error)
}

// Guard runs under the order's lock before the REST call. Returning skip
// completes the command without a network call.
type Guard func() (skip bool, err error)

// Commit runs under the order's lock after the server confirmed the command.
type Commit func(domain.Confirmation)

// Coordinator serializes mutations per order id.
type Coordinator struct {
	backend   Backend
	locks     *keyedLock
	logger    *zap.Logger
	tracer    trace.Tracer
	mutations metric.Int64Counter
	now       func() time.Time
}

// Module provides the coordinator backed by the REST client.
var Module = fx.Provide(func(client *restapi.Client, logger *zap.Logger) *Coordinator {
	return New(client, logger)
})

// New builds a coordinator over backend.
func New(backend Backend, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	mutations, _ := otel.Meter(instrumentation).Int64Counter("ordersync.mutations",
		metric.WithDescription("Mutation commands by kind and outcome"))
	return &Coordinator{
		backend:   backend,
		locks:     newKeyedLock(),
		logger:    logger.With(zap.String("component", "mutation_coordinator")),
		tracer:    otel.Tracer(instrumentation),
		mutations: mutations,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Perform runs cmd. guard and commit may be nil. A failed REST call returns an
// errorbank bad_gateway error wrapping *Error, and commit is not called.
func (c *Coordinator) Perform(ctx context.Context, cmd Command, guard Guard, commit Commit) (domain.Confirmation, error) {
	ctx, span := c.tracer.Start(ctx, "mutation.Perform", trace.WithAttributes(
		attribute.String("mutation.kind", string(cmd.Kind)),
		attribute.String("order.id", cmd.OrderID),
	))
	defer span.End()

	release, err := c.locks.acquire(ctx, cmd.OrderID)
	if err != nil {
		c.record(ctx, cmd.Kind, "cancelled")
		return domain.Confirmation{}, fmt.Errorf("wait for order %s: %w", cmd.OrderID, err)
	}
	defer release()

	if guard != nil {
		skip, err := guard()
		if err != nil {
			c.record(ctx, cmd.Kind, "rejected")
			span.SetStatus(codes.Error, err.Error())
			return domain.Confirmation{}, err
		}
		if skip {
			c.record(ctx, cmd.Kind, "skipped")
			return domain.Confirmation{OrderID: cmd.OrderID, Status: cmd.Status}, nil
		}
	}

	confirmation, err := c.execute(ctx, cmd)
	if err != nil {
		c.record(ctx, cmd.Kind, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("mutation failed",
			zap.String("kind", string(cmd.Kind)),
			zap.String("order_id", cmd.OrderID),
			zap.Error(err),
		)
		return domain.Confirmation{}, err
	}

	if commit != nil {
		commit(confirmation)
	}
	c.record(ctx, cmd.Kind, "confirmed")
	c.logger.Info("mutation confirmed",
		zap.String("kind", string(cmd.Kind)),
		zap.String("order_id", cmd.OrderID),
	)
	return confirmation, nil
}

func (c *Coordinator) execute(ctx context.Context, cmd Command) (domain.Confirmation, error) {
	switch cmd.Kind {
	case KindChangeStatus:
		order, err := c.backend.ChangeStatus(ctx, cmd.OrderID, cmd.Status, cmd.Note)
		if err != nil {
			return domain.Confirmation{}, c.fail(cmd, err)
		}
		status := cmd.Status
		if parsed, err := domain.ParseStatus(string(order.Status.Current)); err == nil {
			status = parsed
		}
		return domain.Confirmation{
			OrderID:   cmd.OrderID,
			Status:    status,
			UpdatedAt: c.updatedAt(order),
		}, nil
	case KindAssignAgent:
		order, err := c.backend.AssignDelivery(ctx, cmd.OrderID, cmd.Agent.ID)
		if err != nil {
			return domain.Confirmation{}, c.fail(cmd, err)
		}
		agent := mergeAgent(cmd.Agent, order.DeliveryAgent)
		return domain.Confirmation{
			OrderID:   cmd.OrderID,
			Agent:     &agent,
			UpdatedAt: c.updatedAt(order),
		}, nil
	default:
		return domain.Confirmation{}, errorbank.Internal(fmt.Sprintf("unsupported mutation %q", cmd.Kind))
	}
}

func (c *Coordinator) updatedAt(order domain.Order) time.Time {
	if !order.UpdatedAt.IsZero() {
		return order.UpdatedAt
	}
	return c.now()
}

// mergeAgent prefers the server's view and fills gaps from the local lookup.
func mergeAgent(local domain.AgentRef, remote *domain.AgentRef) domain.AgentRef {
	if remote == nil || (remote.ID != "" && remote.ID != local.ID) {
		return local
	}
	merged := *remote
	if merged.ID == "" {
		merged.ID = local.ID
	}
	if merged.Name == "" {
		merged.Name = local.Name
	}
	if merged.Phone == "" {
		merged.Phone = local.Phone
	}
	return merged
}

func (c *Coordinator) fail(cmd Command, err error) error {
	mutErr := &Error{Kind: cmd.Kind, OrderID: cmd.OrderID, Message: err.Error(), cause: err}
	if apiErr, ok := restapi.AsAPIError(err); ok {
		mutErr.StatusCode = apiErr.StatusCode
		mutErr.Message = apiErr.Message
	} else if errors.Is(err, context.DeadlineExceeded) {
		mutErr.Message = "request timed out"
	}
	return errorbank.BadGateway(mutErr.Message,
		errorbank.WithCause(mutErr),
		errorbank.WithDetail("orderId", cmd.OrderID),
		errorbank.WithDetail("command", string(cmd.Kind)),
		errorbank.WithDetail("upstreamStatus", mutErr.StatusCode),
	)
}

func (c *Coordinator) record(ctx context.Context, kind Kind, outcome string) {
	if c.mutations == nil {
		return
	}
	c.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
