package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus wraps the current lifecycle status as it appears on the wire.
type OrderStatus struct {
	Current Status `json:"current"`
}

// UnmarshalJSON accepts both {"current": "pending"} and a bare "pending".
func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		s.Current = Status(plain)
		return nil
	}
	type wire OrderStatus
	var obj wire
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = OrderStatus(obj)
	return nil
}

// AgentRef is the denormalized delivery agent attached to an order.
type AgentRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Agent is a driver as returned by the delivery-agent endpoint.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Active bool   `json:"active"`
}

// Ref returns the denormalized reference stored on orders.
func (a Agent) Ref() AgentRef {
	return AgentRef{ID: a.ID, Name: a.Name, Phone: a.Phone}
}

// Order is one customer purchase cached by the console.
//
// Customer, Store and Items are opaque to this module and are passed through
// exactly as received.
type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	Status        OrderStatus     `json:"status"`
	DeliveryAgent *AgentRef       `json:"deliveryAgent,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Customer      json.RawMessage `json:"customer,omitempty"`
	Store         json.RawMessage `json:"store,omitempty"`
	Items         json.RawMessage `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"createdAt,omitzero"`
	UpdatedAt     time.Time       `json:"updatedAt,omitzero"`
}

// Validate checks the fields the console relies on.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	}
	if err := o.Status.Current.Validate(); err != nil {
		return fmt.Errorf("%w: order %s: %v", ErrInvalidOrder, o.ID, err)
	}
	return nil
}

// Clone returns a deep copy so cached orders never share mutable state with callers.
func (o Order) Clone() Order {
	clone := o
	if o.DeliveryAgent != nil {
		agent := *o.DeliveryAgent
		clone.DeliveryAgent = &agent
	}
	clone.Customer = cloneRaw(o.Customer)
	clone.Store = cloneRaw(o.Store)
	clone.Items = cloneRaw(o.Items)
	return clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Confirmation carries the authoritative fields returned by a successful
// mutation. Zero-valued fields were not part of the mutation.
type Confirmation struct {
	OrderID   string
	Status    Status
	Agent     *AgentRef
	UpdatedAt time.Time
}
