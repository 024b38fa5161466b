package realtime

import (
	"encoding/json"
	"time"
)

// Outbound event names (client -> server).
const (
	EventJoinAdmin         = "join-admin"
	EventJoinOrder         = "join-order"
	EventUpdateOrderStatus = "update-order-status"
)

// Inbound event names (server -> client).
const (
	EventNewOrder          = "new-order"
	EventOrderUpdated      = "order-updated"
	EventOrderStatusUpdate = "order-status-update"
	EventNotification      = "notification"
)

// Envelope is the wire frame for every message on the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinOrderPayload is the data of a join-order message.
type JoinOrderPayload struct {
	OrderID string `json:"orderId"`
}

// StatusUpdatePayload is the data of update-order-status (outbound) and
// order-status-update (inbound) messages.
type StatusUpdatePayload struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Encode builds an envelope frame for event with data marshalled as JSON.
// A nil data produces a frame without a data member.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
