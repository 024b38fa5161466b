package order

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/dispatcher"
	"github.com/Additional-Code/ordersync/internal/messaging"
	"github.com/Additional-Code/ordersync/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/ordersync/worker/order")

// Dispatcher applies one event envelope. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) error
}

// Module registers the relay handler for the inbound topic.
var Module = fx.Module("worker_order",
	fx.Provide(
		fx.Annotate(
			func(d *dispatcher.Dispatcher, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
				return NewRelayHandler(d, logger, cfg.Messaging.Kafka.InboundTopic)
			},
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewRelayHandler feeds relayed channel envelopes into the event dispatcher so
// they take the same merge path as websocket frames. Undecodable messages are
// acknowledged; redelivery cannot fix them.
func NewRelayHandler(d Dispatcher, logger *zap.Logger, topic string) worker.HandlerRegistration {
	logger = logger.With(zap.String("component", "order_relay"))

	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.orders.relay", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
			attribute.Int64("messaging.offset", msg.Offset),
			attribute.String("messaging.key", string(msg.Key)),
		))
		defer span.End()

		err := d.Dispatch(ctx, msg.Value)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, dispatcher.ErrUnknownEvent):
			logger.Debug("relayed event ignored", zap.Error(err), zap.Int64("offset", msg.Offset))
			return nil
		case errors.Is(err, dispatcher.ErrMalformedEvent):
			logger.Warn("relayed event dropped", zap.Error(err), zap.Int64("offset", msg.Offset))
			span.RecordError(err)
			span.SetStatus(codes.Error, "malformed event")
			return nil
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	return worker.HandlerRegistration{
		Topic:   topic,
		Handler: handler,
		Ordered: true,
	}
}
