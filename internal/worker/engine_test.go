package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/messaging"
)

type fakeClient struct {
	mu       sync.Mutex
	messages []messaging.Message
	handled  []int64
	consumes int
}

func (f *fakeClient) Publish(context.Context, []byte, []byte, map[string]string) error { return nil }

func (f *fakeClient) Consume(ctx context.Context, handler messaging.Handler) error {
	f.mu.Lock()
	f.consumes++
	pending := f.messages
	f.messages = nil
	f.mu.Unlock()

	for _, msg := range pending {
		if err := handler(ctx, msg); err == nil {
			f.mu.Lock()
			f.handled = append(f.handled, msg.Offset)
			f.mu.Unlock()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeClient) Topic() string        { return "orders.changes" }
func (f *fakeClient) InboundTopic() string { return "orders.events" }

func (f *fakeClient) snapshot() (handled []int64, consumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.handled...), f.consumes
}

func workerConfig(concurrency int) config.Config {
	var cfg config.Config
	cfg.Messaging.Enabled = true
	cfg.Messaging.Workers.Enabled = true
	cfg.Messaging.Workers.Concurrency = concurrency
	return cfg
}

func TestEngine_OrderedHandlerForcesSingleConsumer(t *testing.T) {
	engine := NewEngine(Params{
		Client: &fakeClient{},
		Logger: zap.NewNop(),
		Config: workerConfig(4),
		Registrations: []HandlerRegistration{
			{Topic: "orders.events", Handler: func(context.Context, messaging.Message) error { return nil }, Ordered: true},
		},
	})
	assert.Equal(t, 1, engine.concurrency)

	unordered := NewEngine(Params{
		Client: &fakeClient{},
		Logger: zap.NewNop(),
		Config: workerConfig(4),
		Registrations: []HandlerRegistration{
			{Topic: "orders.events", Handler: func(context.Context, messaging.Message) error { return nil }},
		},
	})
	assert.Equal(t, 4, unordered.concurrency)
}

func TestEngine_RoutesByTopicInOrder(t *testing.T) {
	client := &fakeClient{messages: []messaging.Message{
		{Topic: "orders.events", Offset: 1},
		{Topic: "other", Offset: 2},
		{Topic: "orders.events", Offset: 3},
	}}

	var mu sync.Mutex
	var seen []int64
	engine := NewEngine(Params{
		Client: client,
		Logger: zap.NewNop(),
		Config: workerConfig(2),
		Registrations: []HandlerRegistration{{
			Topic: "orders.events",
			Handler: func(_ context.Context, msg messaging.Message) error {
				mu.Lock()
				seen = append(seen, msg.Offset)
				mu.Unlock()
				return nil
			},
			Ordered: true,
		}},
	})

	require.NoError(t, engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		handled, _ := client.snapshot()
		return len(handled) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, engine.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 3}, seen)
	_, consumes := client.snapshot()
	assert.Equal(t, 1, consumes)
}

func TestEngine_DisabledDoesNotConsume(t *testing.T) {
	client := &fakeClient{}
	cfg := workerConfig(1)
	cfg.Messaging.Workers.Enabled = false

	engine := NewEngine(Params{
		Client: client,
		Logger: zap.NewNop(),
		Config: cfg,
		Registrations: []HandlerRegistration{
			{Topic: "orders.events", Handler: func(context.Context, messaging.Message) error { return nil }},
		},
	})
	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Stop(context.Background()))

	_, consumes := client.snapshot()
	assert.Zero(t, consumes)
}
