package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OrderSnapshot is one cached order persisted for warm restarts. Payload holds
// the full order JSON; the other columns exist for querying.
type OrderSnapshot struct {
	bun.BaseModel `bun:"table:order_snapshots"`

	ID              string    `bun:"id,pk"`
	OrderNumber     string    `bun:"order_number,notnull"`
	Status          string    `bun:"status,notnull"`
	DeliveryAgentID string    `bun:"delivery_agent_id,nullzero"`
	Payload         string    `bun:"payload,notnull,type:text"`
	Position        int       `bun:"position,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
