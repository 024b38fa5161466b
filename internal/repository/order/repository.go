package order

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/ordersync/internal/database"
	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/ordersync/repository/order")

// ErrNotFound is returned when no snapshot exists for an order.
var ErrNotFound = errors.New("order snapshot not found")

var upsertColumns = []string{"order_number", "status", "delivery_agent_id", "payload", "position", "updated_at"}

// Repository persists order snapshots.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Save upserts orders in one transaction. The slice index becomes the stored
// position, so LoadAll returns them in the same order.
func (r *Repository) Save(ctx context.Context, orders []domain.Order) (err error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Save", trace.WithAttributes(attribute.Int("orders.count", len(orders))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "save failed")
		}
		span.End()
	}()

	if len(orders) == 0 {
		return nil
	}

	rows := make([]entity.OrderSnapshot, 0, len(orders))
	for i, order := range orders {
		row, err := toSnapshot(order, i)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewInsert().Model(&rows)
		if r.writer.Dialect().Name() == dialect.MySQL {
			q = q.On("DUPLICATE KEY UPDATE")
			for _, col := range upsertColumns {
				q = q.Set("? = VALUES(?)", bun.Ident(col), bun.Ident(col))
			}
		} else {
			q = q.On("CONFLICT (id) DO UPDATE")
			for _, col := range upsertColumns {
				q = q.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
			}
		}
		_, err := q.Exec(ctx)
		return err
	})
}

// LoadAll returns every persisted order by position.
func (r *Repository) LoadAll(ctx context.Context) ([]domain.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.LoadAll")
	defer span.End()

	var rows []entity.OrderSnapshot
	if err := r.reader.NewSelect().Model(&rows).Order("position ASC").Scan(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		order, err := fromSnapshot(row)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode failed")
			return nil, err
		}
		orders = append(orders, order)
	}
	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	return orders, nil
}

// Get fetches one snapshot using the read replica when available.
func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	row := new(entity.OrderSnapshot)
	err := r.reader.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return domain.Order{}, err
	}
	return fromSnapshot(*row)
}
