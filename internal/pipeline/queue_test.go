package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainsInFIFOOrder(t *testing.T) {
	q := NewQueue(8)

	order := make(chan int, 8)
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, q.Enqueue(func(_ context.Context) { order <- i }))
	}

	q.Start(context.Background())
	q.Close()

	var got []int
	close(order)
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueue_SingleWorker(t *testing.T) {
	q := NewQueue(4)

	var active, maxActive int32
	job := func(_ context.Context) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(job))
	}

	q.Start(context.Background())
	q.Close()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxActive))
}

func TestQueue_EnqueueFullFails(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(func(_ context.Context) {}))
	assert.Error(t, q.Enqueue(func(_ context.Context) {}))
}

func TestQueue_EnqueueAfterCloseFails(t *testing.T) {
	q := NewQueue(1)
	q.Start(context.Background())
	q.Close()
	assert.Error(t, q.Enqueue(func(_ context.Context) {}))
}

func TestQueue_ContextCancelStopsWorker(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not shut down after context cancel")
	}
}
