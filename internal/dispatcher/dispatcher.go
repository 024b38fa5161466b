package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/store"
)

const instrumentation = "github.com/Additional-Code/ordersync/dispatcher"

// OrderStore is the part of the order cache the dispatcher merges into.
type OrderStore interface {
	Create(order domain.Order) bool
	Replace(order domain.Order) bool
	PatchStatusAt(id string, status domain.Status, at time.Time) bool
}

// Dispatcher routes inbound frames to the order store and the listener registry.
type Dispatcher struct {
	store    OrderStore
	registry *listener.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
	events   metric.Int64Counter
}

// Module provides the dispatcher and exposes it as the realtime message handler.
var Module = fx.Provide(
	func(s *store.Store, registry *listener.Registry, logger *zap.Logger) *Dispatcher {
		return New(s, registry, logger)
	},
	func(d *Dispatcher) realtime.MessageHandler { return d },
)

// New builds a dispatcher. registry may be nil when notifications are not needed.
func New(store OrderStore, registry *listener.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, _ := otel.Meter(instrumentation).Int64Counter("ordersync.dispatcher.events",
		metric.WithDescription("Inbound events by name and outcome"))
	return &Dispatcher{
		store:    store,
		registry: registry,
		logger:   logger.With(zap.String("component", "event_dispatcher")),
		tracer:   otel.Tracer(instrumentation),
		events:   events,
	}
}

// Handle applies one frame and never fails; problems are logged and counted.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) {
	err := d.Dispatch(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownEvent):
		d.logger.Debug("unknown event ignored", zap.Error(err))
	case errors.Is(err, ErrMalformedEvent):
		d.logger.Warn("malformed event dropped", zap.Error(err), zap.Int("size", len(raw)))
	default:
		d.logger.Error("event dispatch failed", zap.Error(err))
	}
}

// Dispatch decodes and applies one frame, reporting why it was not applied.
// A panic while applying is recovered and reported as ErrMalformedEvent.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch")
	defer span.End()

	event, err := Decode(raw)
	if err != nil {
		d.record(ctx, "", outcomeFor(err))
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.String("event.name", event.Name()),
		attribute.String("order.id", event.OrderID()),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic while applying: %v", ErrMalformedEvent, event.Name(), r)
			d.record(ctx, event.Name(), "malformed")
			span.RecordError(err)
		}
	}()

	applied := d.Apply(event)
	if applied {
		d.record(ctx, event.Name(), "applied")
	} else {
		d.record(ctx, event.Name(), "ignored")
	}
	return nil
}

// Apply merges a decoded event and reports whether it changed anything.
func (d *Dispatcher) Apply(event Event) bool {
	switch e := event.(type) {
	case OrderCreated:
		return d.store.Create(e.Order)
	case OrderReplaced:
		return d.store.Replace(e.Order)
	case OrderStatusPatched:
		return d.store.PatchStatusAt(e.ID, e.Status, e.At)
	case Notification:
		if d.registry != nil {
			d.registry.Notify(listener.EventNotification, e.Payload)
		}
		return true
	default:
		d.logger.Debug("unhandled event type", zap.String("event", event.Name()))
		return false
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrUnknownEvent) {
		return "unknown"
	}
	return "malformed"
}

func (d *Dispatcher) record(ctx context.Context, name, outcome string) {
	if d.events == nil {
		return
	}
	d.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.String("outcome", outcome),
	))
}
