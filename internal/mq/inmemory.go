package mq

import (
	"context"
	"sync"
)

// InMemoryMQ keeps the last backlog messages of every topic and replays
// them to new subscribers, so a client that subscribes right after a run
// starts still sees the first events.
type InMemoryMQ struct {
	backlog int

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	history [][]byte
	subs    map[*memSubscription]struct{}
}

// memSubscription queues without bound for regular messages. Lossy
// messages are only queued while fewer than limit messages are pending.
type memSubscription struct {
	q     *InMemoryMQ
	topic string
	limit int

	mu      sync.Mutex
	pending [][]byte
	notify  chan struct{}

	once   sync.Once
	closed chan struct{}
}

func NewInMemoryMQ(backlog int) *InMemoryMQ {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &InMemoryMQ{backlog: backlog, topics: map[string]*memTopic{}}
}

func (q *InMemoryMQ) topicLocked(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{subs: map[*memSubscription]struct{}{}}
		q.topics[name] = t
	}
	return t
}

// Publish never blocks and is delivered to every current subscriber, however
// far behind it is.
func (q *InMemoryMQ) Publish(ctx context.Context, topic string, message []byte) error {
	return q.publish(ctx, topic, message, false)
}

// PublishLossy is skipped for subscribers that already have a full backlog
// pending and is not kept for replay.
func (q *InMemoryMQ) PublishLossy(ctx context.Context, topic string, message []byte) error {
	return q.publish(ctx, topic, message, true)
}

func (q *InMemoryMQ) publish(ctx context.Context, topic string, message []byte, lossy bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	t := q.topicLocked(topic)
	if !lossy {
		t.history = append(t.history, message)
		if len(t.history) > q.backlog {
			t.history = t.history[len(t.history)-q.backlog:]
		}
	}
	for s := range t.subs {
		s.push(message, lossy)
	}
	return nil
}

func (q *InMemoryMQ) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	t := q.topicLocked(topic)
	s := &memSubscription{
		q:       q,
		topic:   topic,
		limit:   q.backlog,
		pending: append([][]byte(nil), t.history...),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	return s, nil
}

// CloseTopic ends every subscription of topic and forgets its history.
func (q *InMemoryMQ) CloseTopic(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return ErrTopicNotExists
	}
	for s := range t.subs {
		s.shutdown()
	}
	delete(q.topics, topic)
	return nil
}

func (q *InMemoryMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for name, t := range q.topics {
		for s := range t.subs {
			s.shutdown()
		}
		delete(q.topics, name)
	}
	return nil
}

func (s *memSubscription) push(message []byte, lossy bool) {
	s.mu.Lock()
	if lossy && len(s.pending) >= s.limit {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, message)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSubscription) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	m := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return m, true
}

// Receive drains pending messages before reporting a closed topic.
func (s *memSubscription) Receive(ctx context.Context) ([]byte, error) {
	for {
		if m, ok := s.pop(); ok {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		case <-s.closed:
			if m, ok := s.pop(); ok {
				return m, nil
			}
			return nil, ErrTopicClosed
		}
	}
}

func (s *memSubscription) Close() error {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	if t, ok := s.q.topics[s.topic]; ok {
		delete(t.subs, s)
	}
	s.shutdown()
	return nil
}

func (s *memSubscription) shutdown() {
	s.once.Do(func() { close(s.closed) })
}

var (
	_ MQ             = (*InMemoryMQ)(nil)
	_ LossyPublisher = (*InMemoryMQ)(nil)
)
