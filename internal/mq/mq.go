// Package mq carries run events between the orchestrator and SSE clients.
package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"

	"go.uber.org/zap"
)

var (
	ErrTopicNotExists = errors.New("topic does not exist")
	ErrQueueClosed    = errors.New("queue closed")
	ErrTopicClosed    = errors.New("topic closed")
)

const (
	MQTypeInMemory = "inmemory"
	MQTypePulsar   = "pulsar"
)

const DefaultBacklog = 256

// MQ is a topic based fan-out bus. Every subscription of a topic receives
// every message published after it subscribed.
type MQ interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	CloseTopic(topic string) error
	Close() error
}

// Subscription is one consumer of a topic.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// LossyPublisher is implemented by queues that can shed a message when a
// subscriber falls behind. Lossy messages are never replayed to late
// subscribers.
type LossyPublisher interface {
	PublishLossy(ctx context.Context, topic string, message []byte) error
}

func NewMQ(cfg *config.Config, l *zap.Logger) (MQ, error) {
	typ := MQTypeInMemory
	if cfg != nil && cfg.MQ != nil && cfg.MQ.Type != "" {
		typ = cfg.MQ.Type
	}

	switch typ {
	case MQTypeInMemory:
		return NewInMemoryMQ(DefaultBacklog), nil
	case MQTypePulsar:
		if cfg.Pulsar == nil || cfg.Pulsar.URL == "" {
			return nil, fmt.Errorf("%w: mq.type pulsar requires pulsar.url", config.ErrInvalidConfig)
		}
		return NewPulsarMQ(cfg.Pulsar, l)
	}
	return nil, fmt.Errorf("%w: unknown mq.type %q", config.ErrInvalidConfig, typ)
}
