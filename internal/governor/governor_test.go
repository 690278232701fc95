package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesFPS(t *testing.T) {
	for _, fps := range []int{0, -1, 61, 1000} {
		_, err := New(fps, 5, nil)
		assert.ErrorIs(t, err, ErrInvalidFPS, "fps=%d", fps)
	}
	for _, fps := range []int{1, 30, 60} {
		g, err := New(fps, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Second/time.Duration(fps), g.FrameDelay())
	}
}

func TestTickForwardsEveryKthFrame(t *testing.T) {
	g, err := New(30, 5, nil)
	require.NoError(t, err)

	var inferred []uint64
	for i := 0; i < 12; i++ {
		idx, infer := g.Tick()
		if infer {
			inferred = append(inferred, idx)
		}
	}
	assert.Equal(t, []uint64{1, 6, 11}, inferred)
	assert.Equal(t, uint64(12), g.Frames())
	assert.Equal(t, uint64(3), g.Inferred())
}

func TestTickDefaultsInferEvery(t *testing.T) {
	g, err := New(10, 0, nil)
	require.NoError(t, err)
	_, first := g.Tick()
	_, second := g.Tick()
	assert.True(t, first)
	assert.False(t, second)
}

func TestWaitUsesClock(t *testing.T) {
	mock := clock.NewMock()
	g, err := New(10, 5, mock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	// let the goroutine register its timer before advancing
	time.Sleep(10 * time.Millisecond)
	mock.Add(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned before frame delay elapsed")
	default:
	}

	mock.Add(50 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after frame delay")
	}
}

func TestWaitCancelled(t *testing.T) {
	g, err := New(1, 5, clock.NewMock())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = g.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
