package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mq"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

// DefaultRetention is how long a finished run's topic stays open for late
// subscribers.
const DefaultRetention = 5 * time.Minute

// Bus publishes events to one topic per run.
type Bus struct {
	queue     mq.MQ
	topicFmt  string
	retention time.Duration
	logger    *zap.Logger
}

type BusOption func(*Bus)

func WithTopicFormat(f string) BusOption {
	return func(b *Bus) { b.topicFmt = f }
}

func WithRetention(d time.Duration) BusOption {
	return func(b *Bus) { b.retention = d }
}

func NewBus(queue mq.MQ, l *zap.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		queue:     queue,
		topicFmt:  config.DefaultRunEventsTopicFmt,
		retention: DefaultRetention,
		logger:    logger.Component(l, "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Topic(runID string) string {
	return fmt.Sprintf(b.topicFmt, runID)
}

// Publish encodes e onto the run's topic. Text deltas may be shed for a
// subscriber that falls behind; every other event is delivered. After a
// terminal event the topic is closed once the retention period has passed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	topic := b.Topic(e.RunID)
	publish := b.queue.Publish
	if lp, ok := b.queue.(mq.LossyPublisher); ok && e.Type == TextDelta {
		publish = lp.PublishLossy
	}
	if err := publish(ctx, topic, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}

	if e.Type.Terminal() {
		time.AfterFunc(b.retention, func() {
			if err := b.queue.CloseTopic(topic); err != nil && !errors.Is(err, mq.ErrTopicNotExists) {
				b.logger.Debug("closing topic failed", zap.String("topic", topic), zap.Error(err))
			}
		})
	}
	return nil
}

// Subscribe streams the events of runID. The channel is closed after the
// terminal event, when the topic closes or when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	sub, err := b.queue.Subscribe(ctx, b.Topic(runID))
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		for {
			data, err := sub.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, mq.ErrTopicClosed) {
					b.logger.Warn("event subscription ended", zap.String("run_id", runID), zap.Error(err))
				}
				return
			}
			e, err := Decode(data)
			if err != nil {
				b.logger.Warn("skipping undecodable event", zap.Error(err))
				continue
			}

			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if e.Type.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

var _ Publisher = (*Bus)(nil)
