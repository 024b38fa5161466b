package changefeed

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/messaging"
	"github.com/Additional-Code/ordersync/internal/session"
	"github.com/Additional-Code/ordersync/internal/store"
)

// HeaderChange carries the store.ChangeKind of a published order.
const HeaderChange = "change"

const defaultQueueSize = 256

var feedMeter = otel.Meter("github.com/Additional-Code/ordersync/changefeed")

// Publisher forwards store changes to the outbound topic. Registry callbacks
// only enqueue; a single goroutine publishes so per-order ordering holds.
type Publisher struct {
	client messaging.Client
	logger *zap.Logger
	queue  chan store.Change
	counts metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Module provides the publisher as a session binder and runs its pump.
var Module = fx.Options(
	fx.Provide(
		func(client messaging.Client, logger *zap.Logger) *Publisher {
			return New(client, logger, defaultQueueSize)
		},
		session.AsBinder(func(p *Publisher) *Publisher { return p }),
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Publisher) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				p.Start()
				return nil
			},
			OnStop: p.Stop,
		})
	}),
)

// New builds a publisher with a bounded queue.
func New(client messaging.Client, logger *zap.Logger, queueSize int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	counts, _ := feedMeter.Int64Counter("ordersync.changefeed.published",
		metric.WithDescription("Order changes handed to the outbound topic by outcome"))
	return &Publisher{
		client: client,
		logger: logger.With(zap.String("component", "changefeed")),
		queue:  make(chan store.Change, queueSize),
		counts: counts,
	}
}

// Bind subscribes to orders-changed on registry.
func (p *Publisher) Bind(registry *listener.Registry) {
	registry.Add(listener.EventOrdersChanged, func(payload any) {
		change, ok := payload.(store.Change)
		if !ok || change.Kind == store.ChangeLoaded {
			return
		}
		select {
		case p.queue <- change:
		default:
			p.logger.Warn("change feed queue full; change dropped",
				zap.String("order_id", change.OrderID),
				zap.String("kind", string(change.Kind)),
			)
			p.record("dropped")
		}
	})
}

// Start launches the publishing goroutine. Calling it twice is a no-op.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop drains what is already queued and stops the goroutine.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case change := <-p.queue:
			p.publish(ctx, change)
		case <-ctx.Done():
			for {
				select {
				case change := <-p.queue:
					p.publish(context.Background(), change)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, change store.Change) {
	value, err := json.Marshal(change.Order)
	if err != nil {
		p.logger.Error("encode order change", zap.String("order_id", change.OrderID), zap.Error(err))
		p.record("failed")
		return
	}
	headers := map[string]string{HeaderChange: string(change.Kind)}
	if err := p.client.Publish(ctx, []byte(change.OrderID), value, headers); err != nil {
		p.logger.Error("publish order change",
			zap.String("order_id", change.OrderID),
			zap.String("topic", p.client.Topic()),
			zap.Error(err),
		)
		p.record("failed")
		return
	}
	p.record("published")
}

func (p *Publisher) record(outcome string) {
	if p.counts == nil {
		return
	}
	p.counts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
