package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, capacity int) (*Buffer[float64], *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b, err := New[float64](capacity, clock)
	require.NoError(t, err)
	return b, clock
}

func TestNew(t *testing.T) {
	_, err := New[int](0, nil)
	assert.True(t, errors.Is(err, ErrInvalidCapacity))

	b, err := New[int](DefaultCapacity, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, DefaultCapacity, b.Capacity())
}

func TestPutAndTake(t *testing.T) {
	t.Run("take drains in FIFO order", func(t *testing.T) {
		b, _ := newTestBuffer(t, 10)
		keys, err := b.Put(context.Background(), "t1", []string{"A", "B", "C"})
		require.NoError(t, err)
		assert.Len(t, keys, 3)
		assert.Equal(t, 3, b.Size())

		got := b.Take(2)
		assert.Equal(t, []Key{{"t1", "A"}, {"t1", "B"}}, got)
		assert.Equal(t, 1, b.Size())
	})

	t.Run("take returns fewer when queue holds less", func(t *testing.T) {
		b, _ := newTestBuffer(t, 10)
		_, err := b.Put(context.Background(), "t1", []string{"A"})
		require.NoError(t, err)

		got := b.Take(5)
		assert.Len(t, got, 1)
		assert.Equal(t, 0, b.Size())
	})

	t.Run("take on empty queue", func(t *testing.T) {
		b, _ := newTestBuffer(t, 10)
		got := b.Take(5)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("drained key is not returned again", func(t *testing.T) {
		b, _ := newTestBuffer(t, 10)
		_, err := b.Put(context.Background(), "t1", []string{"A", "B"})
		require.NoError(t, err)
		first := b.Take(1)
		second := b.Take(5)
		assert.NotContains(t, second, first[0])
	})
}

// TestTakeSizeDecreases checks that a drain shrinks the queue by exactly the
// number of keys it returned.
func TestTakeSizeDecreases(t *testing.T) {
	for n := 0; n <= 10; n++ {
		for take := 1; take <= 6; take++ {
			b, _ := newTestBuffer(t, 10)
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("id-%d", i)
			}
			_, err := b.Put(context.Background(), "t", ids)
			require.NoError(t, err)

			got := b.Take(take)
			assert.Equal(t, min(n, take), len(got))
			assert.Equal(t, n-len(got), b.Size())
		}
	}
}

func TestConcurrentTakeNoOverlap(t *testing.T) {
	b, _ := newTestBuffer(t, 100)
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	_, err := b.Put(context.Background(), "t", ids)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[Key]int)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, k := range b.Take(7) {
				mu.Lock()
				seen[k]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %s drained %d times", k, n)
	}
}

func TestTakeBatch(t *testing.T) {
	b, _ := newTestBuffer(t, 10)
	_, err := b.Put(context.Background(), "t", []string{"A", "B", "C", "D"})
	require.NoError(t, err)

	assert.Nil(t, b.TakeBatch(5))
	assert.Equal(t, 4, b.Size())
	assert.Nil(t, b.TakeBatch(0))

	assert.Equal(t, []Key{{"t", "A"}, {"t", "B"}, {"t", "C"}}, b.TakeBatch(3))
	assert.Equal(t, 1, b.Size())
}

// TestConcurrentTakeBatchOnlyFull checks that racing batch takes never split
// the queue into partial batches.
func TestConcurrentTakeBatchOnlyFull(t *testing.T) {
	b, _ := newTestBuffer(t, 12)
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	_, err := b.Put(context.Background(), "t", ids)
	require.NoError(t, err)

	var mu sync.Mutex
	var sizes []int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if keys := b.TakeBatch(5); keys != nil {
				mu.Lock()
				sizes = append(sizes, len(keys))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{5, 5}, sizes)
	assert.Equal(t, 2, b.Size())
}

// TestPutBlocksWhenFull verifies backpressure: a producer at capacity waits
// until a drain frees space, and nothing is dropped.
func TestPutBlocksWhenFull(t *testing.T) {
	b, _ := newTestBuffer(t, 2)
	_, err := b.Put(context.Background(), "t1", []string{"A", "B"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.Put(context.Background(), "t2", []string{"C"})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("Put returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Len(t, b.Take(1), 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put did not resume after a drain")
	}

	rest := b.Take(10)
	assert.Equal(t, []Key{{"t1", "B"}, {"t2", "C"}}, rest)
}

func TestPutContextCancelled(t *testing.T) {
	b, _ := newTestBuffer(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// select may still pick the send for the first key, never for the second.
	keys, err := b.Put(ctx, "t", []string{"A", "B"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, len(keys), 1)
	assert.Equal(t, len(keys), b.Size())
}

func TestSinceLastUpdate(t *testing.T) {
	b, clock := newTestBuffer(t, 10)

	_, err := b.Put(context.Background(), "t", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), b.SinceLastUpdate())

	clock.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3500*time.Millisecond, b.SinceLastUpdate())
	assert.Equal(t, 3, b.SecondsSinceLastUpdate())

	// An empty put leaves the clock alone.
	_, err = b.Put(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, b.SecondsSinceLastUpdate())

	_, err = b.Put(context.Background(), "t", []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, 0, b.SecondsSinceLastUpdate())
}

func TestStoreResponses(t *testing.T) {
	b, _ := newTestBuffer(t, 10)
	_, err := b.Put(context.Background(), "t", []string{"A", "B", "C"})
	require.NoError(t, err)
	keys := b.Take(3)

	ten := 10.0
	b.StoreResponses(keys, map[string]*float64{"A": &ten, "B": nil})

	for _, k := range keys {
		assert.True(t, b.HasResponseFor(k), "key %s", k)
	}

	res, ok := b.RemoveResponse(Key{"t", "A"})
	require.True(t, ok)
	assert.True(t, res.Present)
	assert.Equal(t, 10.0, res.Value)

	res, ok = b.RemoveResponse(Key{"t", "B"})
	require.True(t, ok)
	assert.False(t, res.Present)
	assert.Nil(t, res.Ptr())

	res, ok = b.RemoveResponse(Key{"t", "C"})
	require.True(t, ok)
	assert.False(t, res.Present)

	assert.Equal(t, 0, b.Stats().Results)
}

// TestTokenIsolation verifies that two callers asking for the same id each
// consume their own entry.
func TestTokenIsolation(t *testing.T) {
	b, _ := newTestBuffer(t, 10)
	_, err := b.Put(context.Background(), "t1", []string{"X"})
	require.NoError(t, err)
	_, err = b.Put(context.Background(), "t2", []string{"X"})
	require.NoError(t, err)

	keys := b.Take(5)
	require.Len(t, keys, 2)
	v := 7.0
	b.StoreResponses(keys, map[string]*float64{"X": &v})

	res, ok := b.RemoveResponse(Key{"t1", "X"})
	require.True(t, ok)
	assert.Equal(t, 7.0, res.Value)
	assert.False(t, b.HasResponseFor(Key{"t1", "X"}))

	assert.True(t, b.HasResponseFor(Key{"t2", "X"}))
	res, ok = b.RemoveResponse(Key{"t2", "X"})
	require.True(t, ok)
	assert.Equal(t, 7.0, res.Value)
}

func TestStats(t *testing.T) {
	b, _ := newTestBuffer(t, 4)
	_, err := b.Put(context.Background(), "t", []string{"A", "B"})
	require.NoError(t, err)
	// A waiter creates a slot before its key resolves.
	b.Done(Key{"t", "A"})

	assert.Equal(t, Stats{Queued: 2, Capacity: 4, Results: 1}, b.Stats())
	assert.Equal(t, "t/A", Key{"t", "A"}.String())
}
