package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadOrder(t *testing.T) {
	b, err := NewCircular[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, 3, b.Size())

	v, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	for i := 1; i <= 3; i++ {
		v, ok := b.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok = b.Read()
	assert.False(t, ok)
}

func TestDropOldest(t *testing.T) {
	var dropped []int
	b, err := NewCircular[int](2,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }))
	require.NoError(t, err)

	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))
	require.NoError(t, b.Write(3))

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, []int{2, 3}, b.ReadBatch(10))
	assert.Equal(t, int64(1), b.Stats().Dropped())
}

func TestDropNewest(t *testing.T) {
	b, err := NewCircular[int](2, WithPolicy[int](DropNewest))
	require.NoError(t, err)

	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))
	require.NoError(t, b.Write(3))

	assert.Equal(t, []int{1, 2}, b.ReadBatch(10))
	assert.Equal(t, int64(1), b.Stats().Dropped())
}

func TestBlockPolicyUnblocksOnRead(t *testing.T) {
	b, err := NewCircular[int](1, WithPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, b.Write(1))

	done := make(chan error, 1)
	go func() { done <- b.Write(2) }()

	select {
	case <-done:
		t.Fatal("write returned while buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := b.Read()
	require.True(t, ok)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked write never completed")
	}
	assert.Equal(t, 1, b.Size())
}

func TestCloseWakesBlockedWriter(t *testing.T) {
	b, err := NewCircular[int](1, WithPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, b.Write(1))

	done := make(chan error, 1)
	go func() { done <- b.Write(2) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked write not released by Close")
	}
	require.Error(t, b.Write(3))
}

func TestConcurrentAccess(t *testing.T) {
	b, err := NewCircular[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = b.Write(i)
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Read()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(400), b.Stats().Writes())
}

func TestInvalidCapacity(t *testing.T) {
	_, err := NewCircular[int](0)
	require.Error(t, err)
}

func TestClear(t *testing.T) {
	b, err := NewCircular[int](4)
	require.NoError(t, err)
	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))
	b.Clear()
	assert.True(t, b.IsEmpty())
	_, ok := b.Read()
	assert.False(t, ok)
}
