package mq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PulsarMQ struct {
	client    pulsar.Client
	producers sync.Map
	logger    *zap.Logger
}

type pulsarSubscription struct {
	consumer pulsar.Consumer
	logger   *zap.Logger
}

func NewPulsarMQ(cfg *config.PulsarConfig, l *zap.Logger) (*PulsarMQ, error) {
	client, err := newPulsarClient(cfg)
	if err != nil {
		return nil, err
	}

	return &PulsarMQ{
		client: client,
		logger: logger.Component(l, "pulsar"),
	}, nil
}

func (mq *PulsarMQ) Publish(ctx context.Context, topic string, message []byte) error {
	producer, err := mq.getProducer(topic)
	if err != nil {
		return err
	}

	_, err = producer.Send(ctx, &pulsar.ProducerMessage{Payload: message})
	return err
}

// Subscribe opens a non-durable exclusive subscription with a unique name,
// which gives every subscriber its own copy of the stream.
func (mq *PulsarMQ) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	consumer, err := mq.client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       topic,
		Type:                        pulsar.Exclusive,
		SubscriptionName:            fmt.Sprintf("%s-%s", strings.ReplaceAll(topic, "/", "-"), uuid.NewString()),
		SubscriptionMode:            pulsar.NonDurable,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &pulsarSubscription{consumer: consumer, logger: mq.logger}, nil
}

func (mq *PulsarMQ) CloseTopic(topic string) error {
	value, ok := mq.producers.LoadAndDelete(topic)
	if !ok {
		return ErrTopicNotExists
	}
	value.(pulsar.Producer).Close()
	return nil
}

func (mq *PulsarMQ) Close() error {
	mq.producers.Range(func(key, value any) bool {
		value.(pulsar.Producer).Close()
		mq.producers.Delete(key)
		return true
	})
	mq.client.Close()
	return nil
}

func (mq *PulsarMQ) getProducer(topic string) (pulsar.Producer, error) {
	if value, ok := mq.producers.Load(topic); ok {
		return value.(pulsar.Producer), nil
	}

	producer, err := mq.client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer for %s: %w", topic, err)
	}

	if existing, loaded := mq.producers.LoadOrStore(topic, producer); loaded {
		producer.Close()
		return existing.(pulsar.Producer), nil
	}
	return producer, nil
}

func (s *pulsarSubscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.consumer.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.consumer.Ack(msg); err != nil {
		s.logger.Debug("ack failed", zap.Error(err))
	}
	return msg.Payload(), nil
}

func (s *pulsarSubscription) Close() error {
	s.consumer.Close()
	return nil
}

func newPulsarClient(cfg *config.PulsarConfig) (pulsar.Client, error) {
	options := pulsar.ClientOptions{URL: cfg.URL}
	if cfg.OperationTimeout > 0 {
		options.OperationTimeout = time.Duration(cfg.OperationTimeout) * time.Second
	}
	if cfg.ConnectionTimout > 0 {
		options.ConnectionTimeout = time.Duration(cfg.ConnectionTimout) * time.Second
	}

	client, err := pulsar.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client: %w", err)
	}
	return client, nil
}

var _ MQ = (*PulsarMQ)(nil)
