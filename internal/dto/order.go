package dto

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/store"
)

// AgentResponse is the delivery agent attached to an order.
type AgentResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	Status        string          `json:"status"`
	DeliveryAgent *AgentResponse  `json:"deliveryAgent,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Customer      json.RawMessage `json:"customer,omitempty"`
	Store         json.RawMessage `json:"store,omitempty"`
	Items         json.RawMessage `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"createdAt,omitzero"`
	UpdatedAt     time.Time       `json:"updatedAt,omitzero"`
}

// OrderChangeResponse is one orders-changed notification.
type OrderChangeResponse struct {
	Kind    string        `json:"kind"`
	OrderID string        `json:"orderId"`
	Order   OrderResponse `json:"order"`
}

// StatusChangeRequest is the body of PATCH /orders/:id/status.
type StatusChangeRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// AssignDeliveryRequest is the body of PATCH /orders/:id/assign-delivery.
type AssignDeliveryRequest struct {
	DeliveryAgentID string `json:"deliveryAgentId"`
}

// ConnectRequest is the body of POST /connection. An empty token reuses the
// configured one.
type ConnectRequest struct {
	Token string `json:"token"`
}

// ConnectionResponse reports the event channel state.
type ConnectionResponse struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt,omitempty"`
}

// FromOrder maps a cached order to its response shape.
func FromOrder(o domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		Status:      o.Status.Current.String(),
		TotalAmount: o.TotalAmount,
		Customer:    o.Customer,
		Store:       o.Store,
		Items:       o.Items,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if o.DeliveryAgent != nil {
		resp.DeliveryAgent = &AgentResponse{ID: o.DeliveryAgent.ID, Name: o.DeliveryAgent.Name, Phone: o.DeliveryAgent.Phone}
	}
	return resp
}

// FromOrders maps a list, keeping its order.
func FromOrders(orders []domain.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

// FromChange maps a store change notification.
func FromChange(c store.Change) OrderChangeResponse {
	return OrderChangeResponse{Kind: string(c.Kind), OrderID: c.OrderID, Order: FromOrder(c.Order)}
}

// FromState maps a connection state.
func FromState(s realtime.State) ConnectionResponse {
	return ConnectionResponse{Phase: string(s.Phase), Attempt: s.Attempt}
}
