package mq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryFanOut(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(8)

	a, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)
	b, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, "runs/1", []byte("hello")))

	for _, s := range []Subscription{a, b} {
		msg, err := s.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(msg))
	}
}

func TestInMemoryReplaysHistory(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(2)

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, q.Publish(ctx, "runs/1", []byte(m)))
	}

	s, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)
	for _, want := range []string{"two", "three"} {
		msg, err := s.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(msg))
	}
}

func TestInMemoryCloseTopic(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(4)

	s, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, "runs/1", []byte("last")))
	require.NoError(t, q.CloseTopic("runs/1"))

	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))

	_, err = s.Receive(ctx)
	assert.ErrorIs(t, err, ErrTopicClosed)

	assert.ErrorIs(t, q.CloseTopic("runs/1"), ErrTopicNotExists)
}

func TestInMemoryReceiveHonoursContext(t *testing.T) {
	q := NewInMemoryMQ(4)
	s, err := q.Subscribe(context.Background(), "runs/1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryClosed(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(4)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Publish(ctx, "t", []byte("x")), ErrQueueClosed)
	_, err := q.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestInMemorySlowSubscriberKeepsRegularMessages(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(4)

	s, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.PublishLossy(ctx, "runs/1", []byte("delta")))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(ctx, "runs/1", []byte("stage")))
	}
	require.NoError(t, q.Publish(ctx, "runs/1", []byte("done")))

	var deltas, stages int
	var last string
	for i := 0; i < 15; i++ {
		msg, err := s.Receive(ctx)
		require.NoError(t, err)
		switch string(msg) {
		case "delta":
			deltas++
		case "stage":
			stages++
		}
		last = string(msg)
	}
	assert.Equal(t, 4, deltas)
	assert.Equal(t, 10, stages)
	assert.Equal(t, "done", last)
}

func TestInMemoryLossyNotReplayed(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryMQ(4)

	require.NoError(t, q.PublishLossy(ctx, "runs/1", []byte("delta")))
	require.NoError(t, q.Publish(ctx, "runs/1", []byte("stage")))

	s, err := q.Subscribe(ctx, "runs/1")
	require.NoError(t, err)
	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stage", string(msg))
}
