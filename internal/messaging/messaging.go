package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
)

// Message is one record read from the inbound topic.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	Offset  int64
	Time    time.Time
}

// Handler processes an inbound message. Returning an error leaves the offset
// uncommitted so the message is redelivered.
type Handler func(context.Context, Message) error

// Client publishes order changes and consumes relayed channel events.
type Client interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
	Consume(ctx context.Context, handler Handler) error
	Topic() string
	InboundTopic() string
}

// Module wires the messaging client.
var Module = fx.Provide(NewClient)

type noopClient struct {
	topic   string
	inbound string
}

func (n noopClient) Publish(context.Context, []byte, []byte, map[string]string) error { return nil }

func (n noopClient) Consume(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (n noopClient) Topic() string        { return n.topic }
func (n noopClient) InboundTopic() string { return n.inbound }

type kafkaClient struct {
	writer     *kafka.Writer
	reader     *kafka.Reader
	topic      string
	inbound    string
	retryDelay time.Duration
	logger     *zap.Logger
}

func (k *kafkaClient) Publish(ctx context.Context, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: key, Value: value}
	for name, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: name, Value: []byte(v)})
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *kafkaClient) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			k.logger.Error("kafka fetch failed", zap.String("topic", k.inbound), zap.Error(err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(k.retryDelay):
			}
			continue
		}

		if err := handler(ctx, fromKafka(msg)); err != nil {
			k.logger.Error("message handler failed", zap.Error(err), zap.Int64("offset", msg.Offset))
			continue
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			k.logger.Warn("commit failed", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

func (k *kafkaClient) Topic() string        { return k.topic }
func (k *kafkaClient) InboundTopic() string { return k.inbound }

func fromKafka(msg kafka.Message) Message {
	wrapped := Message{
		Topic:  msg.Topic,
		Key:    append([]byte(nil), msg.Key...),
		Value:  append([]byte(nil), msg.Value...),
		Offset: msg.Offset,
		Time:   msg.Time,
	}
	if len(msg.Headers) > 0 {
		wrapped.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			wrapped.Headers[h.Key] = string(h.Value)
		}
	}
	return wrapped
}

// NewClient builds a messaging client based on configuration.
func NewClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Client, error) {
	kafkaCfg := cfg.Messaging.Kafka
	if !cfg.Messaging.Enabled || cfg.Messaging.Driver == "noop" {
		logger.Info("messaging disabled; using noop client")
		return noopClient{topic: kafkaCfg.Topic, inbound: kafkaCfg.InboundTopic}, nil
	}

	switch cfg.Messaging.Driver {
	case "kafka":
		return newKafkaClient(lc, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported messaging driver: %s", cfg.Messaging.Driver)
	}
}

func newKafkaClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Client, error) {
	kafkaCfg := cfg.Messaging.Kafka
	logger = logger.With(zap.String("component", "kafka"))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaCfg.Brokers...),
		Topic:        kafkaCfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		Logger:       kafkaLogger{logger: logger},
		ErrorLogger:  kafkaLogger{logger: logger},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kafkaCfg.Brokers,
		GroupID:        cfg.Messaging.ConsumerGroup,
		Topic:          kafkaCfg.InboundTopic,
		MinBytes:       kafkaCfg.MinBytes,
		MaxBytes:       kafkaCfg.MaxBytes,
		CommitInterval: kafkaCfg.CommitInterval,
		Dialer: &kafka.Dialer{
			Timeout:  kafkaCfg.ConnectTimeout,
			ClientID: kafkaCfg.ClientID,
		},
	})

	client := &kafkaClient{
		writer:     writer,
		reader:     reader,
		topic:      kafkaCfg.Topic,
		inbound:    kafkaCfg.InboundTopic,
		retryDelay: cfg.Messaging.Workers.PollInterval,
		logger:     logger,
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing kafka client")
			return errors.Join(writer.Close(), reader.Close())
		},
	})

	return client, nil
}

type kafkaLogger struct {
	logger *zap.Logger
}

func (k kafkaLogger) Printf(msg string, args ...interface{}) {
	k.logger.Sugar().Debugf(msg, args...)
}
