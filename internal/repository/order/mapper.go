package order

import (
	"encoding/json"
	"fmt"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/entity"
)

func toSnapshot(order domain.Order, position int) (entity.OrderSnapshot, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return entity.OrderSnapshot{}, fmt.Errorf("encode order %s: %w", order.ID, err)
	}
	row := entity.OrderSnapshot{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status.Current.String(),
		Payload:     string(payload),
		Position:    position,
		UpdatedAt:   order.UpdatedAt,
	}
	if order.DeliveryAgent != nil {
		row.DeliveryAgentID = order.DeliveryAgent.ID
	}
	return row, nil
}

func fromSnapshot(row entity.OrderSnapshot) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal([]byte(row.Payload), &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", row.ID, err)
	}
	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}
