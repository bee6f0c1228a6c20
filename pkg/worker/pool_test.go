package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAll(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	p, err := NewPool[int](4, 64, func(_ context.Context, item int) error {
		mu.Lock()
		seen[item] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(2*time.Second))

	assert.Equal(t, int64(50), p.Processed())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)
}

func TestSubmitBeforeStart(t *testing.T) {
	p, err := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)
	require.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)
}

func TestFullQueueRejects(t *testing.T) {
	block := make(chan struct{})
	p, err := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		close(block)
		_ = p.Stop(time.Second)
	}()

	// one in flight, one queued, third rejected
	require.NoError(t, p.Submit(1))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Submit(2))
	err = p.Submit(3)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), p.Rejected())
}

func TestProcessorErrorsCounted(t *testing.T) {
	p, err := NewPool[int](1, 8, func(_ context.Context, item int) error {
		if item%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(2), p.Failed())
	assert.Equal(t, int64(2), p.Processed())
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewPool[int](0, 1, func(context.Context, int) error { return nil })
	require.ErrorIs(t, err, ErrInvalidPoolConfig)
	_, err = NewPool[int](1, 1, nil)
	require.ErrorIs(t, err, ErrNilProcessor)
}
