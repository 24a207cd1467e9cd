package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	payloads []string
	failWith error
}

func (s *recordingSink) Submit(_ context.Context, payload string) (int64, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.payloads = append(s.payloads, payload)
	return int64(len(s.payloads)), nil
}

func TestChannelDeliversInOrder(t *testing.T) {
	ch := NewChannel(4)
	sink := &recordingSink{}

	ctx := context.Background()
	require.NoError(t, ch.Publish(ctx, "a"))
	require.NoError(t, ch.Publish(ctx, "b"))
	require.NoError(t, ch.Publish(ctx, "c"))
	ch.Close()

	require.NoError(t, ch.Run(ctx, sink))
	assert.Equal(t, []string{"a", "b", "c"}, sink.payloads)
}

func TestChannelStopsOnSinkError(t *testing.T) {
	ch := NewChannel(1)
	boom := errors.New("queue unavailable")
	sink := &recordingSink{failWith: boom}

	ctx := context.Background()
	require.NoError(t, ch.Publish(ctx, "a"))
	ch.Close()

	assert.ErrorIs(t, ch.Run(ctx, sink), boom)
}

func TestChannelHonorsCancellation(t *testing.T) {
	ch := NewChannel(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, &recordingSink{}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, ch.Publish(cancelled, "a"), context.Canceled)
}
