package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/messaging"
)

const maxBackoff = 30 * time.Second

// HandlerRegistration binds a topic to its handler. Ordered handlers need
// messages in partition order, which limits the engine to one consumer.
type HandlerRegistration struct {
	Topic   string
	Handler messaging.Handler
	Ordered bool
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Client        messaging.Client
	Logger        *zap.Logger
	Config        config.Config
	Registrations []HandlerRegistration `group:"worker.handlers"`
}

// Engine consumes the inbound topic and routes messages by topic.
type Engine struct {
	client        messaging.Client
	logger        *zap.Logger
	enabled       bool
	concurrency   int
	registrations map[string]messaging.Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs the worker Engine.
func NewEngine(p Params) *Engine {
	logger := p.Logger.With(zap.String("component", "worker_engine"))
	reg := make(map[string]messaging.Handler, len(p.Registrations))
	concurrency := p.Config.Messaging.Workers.Concurrency
	for _, r := range p.Registrations {
		if r.Topic == "" || r.Handler == nil {
			continue
		}
		reg[r.Topic] = r.Handler
		if r.Ordered && concurrency > 1 {
			logger.Info("ordered handler registered; using a single consumer", zap.String("topic", r.Topic))
			concurrency = 1
		}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Engine{
		client:        p.Client,
		logger:        logger,
		enabled:       p.Config.Messaging.Enabled && p.Config.Messaging.Workers.Enabled,
		concurrency:   concurrency,
		registrations: reg,
	}
}

// Module wires the engine into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(func(lc fx.Lifecycle, engine *Engine) {
		lc.Append(fx.Hook{
			OnStart: engine.Start,
			OnStop:  engine.Stop,
		})
	}),
)

// Start launches the consumers. It returns immediately.
func (e *Engine) Start(context.Context) error {
	if !e.enabled {
		e.logger.Info("worker engine disabled")
		return nil
	}
	if len(e.registrations) == 0 {
		e.logger.Info("worker engine has no handlers; skipping")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.concurrency; i++ {
		workerID := i
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeLoop(runCtx, workerID)
		}()
	}

	e.logger.Info("worker engine started",
		zap.Int("workers", e.concurrency),
		zap.String("topic", e.client.InboundTopic()),
	)
	return nil
}

// Stop cancels the consumers and waits for them until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		e.logger.Info("worker engine stopped")
		return nil
	}
}

// Route hands msg to the handler registered for its topic. Messages for
// unknown topics are acknowledged and dropped.
func (e *Engine) Route(ctx context.Context, msg messaging.Message) error {
	handler, ok := e.registrations[msg.Topic]
	if !ok {
		e.logger.Warn("no handler for topic", zap.String("topic", msg.Topic))
		return nil
	}
	return handler(ctx, msg)
}

func (e *Engine) consumeLoop(ctx context.Context, workerID int) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := e.client.Consume(ctx, func(msgCtx context.Context, msg messaging.Message) error {
			e.logger.Debug("processing message",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Int("worker", workerID),
			)
			return e.Route(msgCtx, msg)
		})

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		e.logger.Error("consume loop error", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
