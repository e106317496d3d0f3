package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	high   = 0
	normal = 1
	low    = 2
)

func TestQueue_StrictPriority(t *testing.T) {
	q := New[string](3)
	require.NoError(t, q.Enqueue("n1", "n1", normal))
	require.NoError(t, q.Enqueue("l1", "l1", low))
	require.NoError(t, q.Enqueue("h1", "h1", high))
	require.NoError(t, q.Enqueue("n2", "n2", normal))

	var got []string
	for q.Len() > 0 {
		item, err := q.TryDequeue()
		require.NoError(t, err)
		got = append(got, item)
	}
	assert.Equal(t, []string{"h1", "n1", "n2", "l1"}, got)
}

func TestQueue_HighAfterNormalDequeuedFirst(t *testing.T) {
	q := New[string](3)
	require.NoError(t, q.Enqueue("normal", "normal", normal))
	require.NoError(t, q.Enqueue("high", "high", high))

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "high", item)
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := New[int](1)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprint(i), i, 0))
	}
	for i := 0; i < 100; i++ {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, item)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[string](3)
	got := make(chan string, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue("a", "a", low))
	select {
	case item := <-got:
		assert.Equal(t, "a", item)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueue_DequeueContextCancel(t *testing.T) {
	q := New[string](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ManyWaitersEachGetOneItem(t *testing.T) {
	q := New[int](2)
	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := q.Dequeue(context.Background())
			if assert.NoError(t, err) {
				mu.Lock()
				seen[item] = true
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprint(i), i, i%2))
	}
	wg.Wait()
	assert.Len(t, seen, n)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q := New[string](3)
	require.NoError(t, q.Enqueue("a", "a", normal))
	require.NoError(t, q.Enqueue("b", "b", normal))
	require.NoError(t, q.Enqueue("c", "c", normal))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))
	assert.Equal(t, []int{0, 2, 0}, q.LenByPriority())

	first, _ := q.TryDequeue()
	second, _ := q.TryDequeue()
	assert.Equal(t, []string{"a", "c"}, []string{first, second})
}

func TestQueue_Errors(t *testing.T) {
	q := New[string](2)
	assert.ErrorIs(t, q.Enqueue("x", "x", 2), ErrInvalidPriority)
	assert.ErrorIs(t, q.Enqueue("x", "x", -1), ErrInvalidPriority)
	require.NoError(t, q.Enqueue("x", "x", 0))
	assert.ErrorIs(t, q.Enqueue("x", "x", 1), ErrDuplicate)

	_, err := New[string](1).TryDequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := New[string](1)
	require.NoError(t, q.Enqueue("a", "a", 0))

	waiterDone := make(chan error, 1)
	empty := New[string](1)
	go func() {
		_, err := empty.Dequeue(context.Background())
		waiterDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	empty.Close()
	select {
	case err := <-waiterDone:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	q.Close()
	assert.ErrorIs(t, q.Enqueue("b", "b", 0), ErrClosed)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", item)
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_DepthObserver(t *testing.T) {
	var (
		mu     sync.Mutex
		depths = map[int]int{}
	)
	q := New[string](2, WithDepthObserver(func(lane, depth int) {
		mu.Lock()
		depths[lane] = depth
		mu.Unlock()
	}))
	require.NoError(t, q.Enqueue("a", "a", 1))
	require.NoError(t, q.Enqueue("b", "b", 1))
	mu.Lock()
	assert.Equal(t, 2, depths[1])
	mu.Unlock()

	_, err := q.TryDequeue()
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 1, depths[1])
	mu.Unlock()
}
