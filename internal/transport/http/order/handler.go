package order

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/dto"
	"github.com/Additional-Code/ordersync/internal/presentation/http/response"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/ordersync/transport/http/order")

// Orders reads the order cache. *store.Store satisfies it.
type Orders interface {
	List() []domain.Order
	Get(id string) (domain.Order, bool)
}

// Lifecycle runs operator commands. *lifecycle.Machine satisfies it.
type Lifecycle interface {
	RequestStatusChange(ctx context.Context, orderID string, target domain.Status, note string) (domain.Order, error)
	AssignDeliveryAgent(ctx context.Context, orderID, agentID string) (domain.Order, error)
}

// Rooms joins per-order rooms on the event channel. *session.Session satisfies it.
type Rooms interface {
	JoinOrder(orderID string) error
}

// Handler exposes order endpoints over HTTP.
type Handler struct {
	orders    Orders
	lifecycle Lifecycle
	rooms     Rooms
}

// NewHandler constructs an order Handler.
func NewHandler(orders Orders, lifecycle Lifecycle, rooms Rooms) *Handler {
	return &Handler{orders: orders, lifecycle: lifecycle, rooms: rooms}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.GET("", h.list)
	g.GET("/:id", h.getByID)
	g.PATCH("/:id/status", h.changeStatus)
	g.PATCH("/:id/assign-delivery", h.assignDelivery)
	g.POST("/:id/join", h.join)
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)

	orders := h.orders.List()
	if raw := c.QueryParam("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return b.WithError(errorbank.BadRequest("unknown order status", errorbank.WithCause(err))).Build()
		}
		filtered := orders[:0]
		for _, o := range orders {
			if o.Status.Current == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}

	return b.WithList(dto.FromOrders(orders), len(orders)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id := c.Param("id")
	order, ok := h.orders.Get(id)
	if !ok {
		return b.WithError(errorbank.NotFound("order not found", errorbank.WithDetail("orderId", id))).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) changeStatus(c echo.Context) error {
	b := response.New(c)

	var payload dto.StatusChangeRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	target := domain.Status(strings.ToLower(strings.TrimSpace(payload.Status)))
	if target == "" {
		return b.WithError(errorbank.BadRequest("status is required")).Build()
	}

	id := c.Param("id")
	ctx, span := httpTracer.Start(c.Request().Context(), "orders.changeStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.target_status", target.String()),
	))
	defer span.End()

	order, err := h.lifecycle.RequestStatusChange(ctx, id, target, payload.Note)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) assignDelivery(c echo.Context) error {
	b := response.New(c)

	var payload dto.AssignDeliveryRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	agentID := strings.TrimSpace(payload.DeliveryAgentID)
	if agentID == "" {
		return b.WithError(errorbank.BadRequest("deliveryAgentId is required")).Build()
	}

	id := c.Param("id")
	ctx, span := httpTracer.Start(c.Request().Context(), "orders.assignDelivery", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	order, err := h.lifecycle.AssignDeliveryAgent(ctx, id, agentID)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) join(c echo.Context) error {
	b := response.New(c)

	id := c.Param("id")
	if _, ok := h.orders.Get(id); !ok {
		return b.WithError(errorbank.NotFound("order not found", errorbank.WithDetail("orderId", id))).Build()
	}
	if err := h.rooms.JoinOrder(id); err != nil {
		if errors.Is(err, realtime.ErrNotConnected) {
			return b.WithError(errorbank.Unavailable("event channel offline", errorbank.WithCause(err))).Build()
		}
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusAccepted).WithData(map[string]string{"orderId": id}).Build()
}
