package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

var (
	// ErrMalformedEvent marks a frame whose envelope or payload cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEvent marks a well-formed frame with an event name this console does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

// Event is one decoded inbound message.
type Event interface {
	// Name returns the wire event name.
	Name() string
	// OrderID returns the affected order, or "" when the event is not order-scoped.
	OrderID() string
}

// OrderCreated announces a new order.
type OrderCreated struct {
	Order domain.Order
}

// OrderReplaced carries the full new version of an existing order.
type OrderReplaced struct {
	Order domain.Order
}

// OrderStatusPatched carries only a status change.
type OrderStatusPatched struct {
	ID     string
	Status domain.Status
	At     time.Time
}

// Notification is forwarded untouched to listeners.
type Notification struct {
	Payload json.RawMessage
}

func (OrderCreated) Name() string { return realtime.EventNewOrder }
func (e OrderCreated) OrderID() string { return e.Order.ID }
func (OrderReplaced) Name() string { return realtime.EventOrderUpdated }
func (e OrderReplaced) OrderID() string { return e.Order.ID }
func (OrderStatusPatched) Name() string { return realtime.EventOrderStatusUpdate }
func (e OrderStatusPatched) OrderID() string { return e.ID }
func (Notification) Name() string { return realtime.EventNotification }
func (Notification) OrderID() string { return "" }

// Decode parses one envelope into an Event. Errors wrap ErrMalformedEvent or
// ErrUnknownEvent.
func Decode(raw []byte) (Event, error) {
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	switch env.Event {
	case realtime.EventNewOrder:
		order, err := decodeOrder(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
		}
		return OrderCreated{Order: order}, nil
	case realtime.EventOrderUpdated:
		order, err := decodeOrder(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
		}
		return OrderReplaced{Order: order}, nil
	case realtime.EventOrderStatusUpdate:
		patch, err := decodeStatusPatch(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
		}
		return patch, nil
	case realtime.EventNotification:
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: %s: missing data", ErrMalformedEvent, env.Event)
		}
		return Notification{Payload: append(json.RawMessage(nil), env.Data...)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

// decodeOrder accepts both {"order": {...}} and a bare order object.
func decodeOrder(data json.RawMessage) (domain.Order, error) {
	if len(data) == 0 {
		return domain.Order{}, errors.New("missing data")
	}

	var wrapped struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return domain.Order{}, err
	}
	body := data
	if len(wrapped.Order) > 0 {
		body = wrapped.Order
	}

	var order domain.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.Order{}, err
	}
	status, err := domain.ParseStatus(string(order.Status.Current))
	if err != nil {
		return domain.Order{}, err
	}
	order.Status.Current = status
	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func decodeStatusPatch(data json.RawMessage) (OrderStatusPatched, error) {
	if len(data) == 0 {
		return OrderStatusPatched{}, errors.New("missing data")
	}
	var payload realtime.StatusUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return OrderStatusPatched{}, err
	}
	if payload.OrderID == "" {
		return OrderStatusPatched{}, errors.New("missing orderId")
	}
	status, err := domain.ParseStatus(payload.Status)
	if err != nil {
		return OrderStatusPatched{}, err
	}
	return OrderStatusPatched{ID: payload.OrderID, Status: status, At: payload.Timestamp}, nil
}
