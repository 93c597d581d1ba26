package events

import (
	"context"
	"testing"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mq"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	seed := int64(42)
	e := New("run_1-aa", MediaAvailable)
	e.Stage = 4
	e.Seed = &seed
	e.Output = &types.OutputRef{Kind: types.MediaImage, Filename: "final/05_output_image.png", Sequence: 5}

	data, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, MediaAvailable, got.Type)
	assert.Equal(t, int64(42), *got.Seed)
	assert.Equal(t, "final/05_output_image.png", got.Output.Filename)
	assert.True(t, e.Time.Equal(got.Time))
}

func TestBusDeliversUntilTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := NewBus(mq.NewInMemoryMQ(16), nil, WithRetention(time.Hour))

	// published before anyone listens
	require.NoError(t, bus.Publish(ctx, New("run_1-aa", StageStarted)))

	ch, err := bus.Subscribe(ctx, "run_1-aa")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, New("run_1-aa", StageOutputText)))
	require.NoError(t, bus.Publish(ctx, New("run_1-aa", RunCompleted)))
	require.NoError(t, bus.Publish(ctx, New("run_2-bb", RunFailed)))

	var got []Type
	for e := range ch {
		assert.Equal(t, "run_1-aa", e.RunID)
		got = append(got, e.Type)
	}
	assert.Equal(t, []Type{StageStarted, StageOutputText, RunCompleted}, got)
}

func TestBusClosesTopicAfterRetention(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := mq.NewInMemoryMQ(16)
	bus := NewBus(q, nil, WithRetention(10*time.Millisecond))

	sub, err := q.Subscribe(ctx, bus.Topic("run_1-aa"))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, New("run_1-aa", RunCancelled)))

	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, mq.ErrTopicClosed)
}

func TestTerminalFor(t *testing.T) {
	assert.Equal(t, RunCompleted, TerminalFor(types.StatusCompleted))
	assert.Equal(t, RunFailed, TerminalFor(types.StatusRefused))
	assert.Equal(t, RunFailed, TerminalFor(types.StatusFailed))
	assert.Equal(t, RunCancelled, TerminalFor(types.StatusCancelled))
}

func TestBusSlowSubscriberStillGetsTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := NewBus(mq.NewInMemoryMQ(mq.DefaultBacklog), nil, WithRetention(time.Hour))
	ch, err := bus.Subscribe(ctx, "run_1-aa")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, New("run_1-aa", StageStarted)))
	for i := 0; i < 3*mq.DefaultBacklog; i++ {
		d := New("run_1-aa", TextDelta)
		d.Text = "x"
		require.NoError(t, bus.Publish(ctx, d))
	}
	require.NoError(t, bus.Publish(ctx, New("run_1-aa", StageOutputText)))
	require.NoError(t, bus.Publish(ctx, New("run_1-aa", RunCompleted)))

	var got []Type
	for e := range ch {
		got = append(got, e.Type)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, StageStarted, got[0])
	assert.Equal(t, RunCompleted, got[len(got)-1])
	assert.Equal(t, StageOutputText, got[len(got)-2])
	assert.Less(t, len(got), 3*mq.DefaultBacklog+3)
}
