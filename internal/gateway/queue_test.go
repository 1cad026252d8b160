package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := range 5 {
		q.Publish(i)
	}
	assert.Equal(t, 5, q.Len())

	for i := range 5 {
		v, err := q.Consume(t.Context())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueConsumeBlocksUntilPublish(t *testing.T) {
	q := NewQueue[string]()
	got := make(chan string, 1)

	go func() {
		v, err := q.Consume(context.Background())
		if err == nil {
			got <- v
		}
	}()

	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)

	select {
	case v := <-got:
		t.Fatalf("consume returned %q before publish", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Publish("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}
	assert.Equal(t, 0, q.Waiting())
	assert.Equal(t, 0, q.Len())
}

func TestQueueWaitersReleasedInOrder(t *testing.T) {
	q := NewQueue[int]()
	results := make([]chan int, 3)

	for i := range results {
		results[i] = make(chan int, 1)
		go func(ch chan int) {
			v, _ := q.Consume(context.Background())
			ch <- v
		}(results[i])
		// Register waiters one at a time so their order is known.
		require.Eventually(t, func() bool { return q.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	for i := range results {
		q.Publish(i * 10)
	}
	for i, ch := range results {
		select {
		case v := <-ch:
			assert.Equal(t, i*10, v, "waiter %d", i)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never released", i)
		}
	}
}

func TestQueueConsumeCancelled(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Consume(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Waiting(), "cancelled waiter must unregister")

	// A later publish lands in the backlog rather than a dead waiter.
	q.Publish(7)
	v, err := q.Consume(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueueBacklogWinsOverCancelledContext(t *testing.T) {
	q := NewQueue[int]()
	q.Publish(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestQueueCancelRaceNeverLosesValue(t *testing.T) {
	for range 200 {
		q := NewQueue[int]()
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		var (
			got    int
			gotErr error
		)
		go func() {
			defer close(done)
			got, gotErr = q.Consume(ctx)
		}()
		for q.Waiting() == 0 {
			time.Sleep(time.Microsecond)
		}

		go cancel()
		q.Publish(42)
		<-done

		if gotErr == nil {
			assert.Equal(t, 42, got)
			assert.Equal(t, 0, q.Len())
			continue
		}
		// Cancelled first: the value must still be in the backlog.
		require.ErrorIs(t, gotErr, context.Canceled)
		v, err := q.Consume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
}

func TestQueueConcurrentExactlyOnce(t *testing.T) {
	const producers, perProducer = 8, 250
	q := NewQueue[int]()

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				v, err := q.Consume(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	for p := range producers {
		go func() {
			for i := range perProducer {
				q.Publish(p*perProducer + i)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, producers*perProducer)
	for v, n := range seen {
		assert.Equal(t, 1, n, "value %d delivered %d times", v, n)
	}
}

func TestQueuePerProducerOrder(t *testing.T) {
	q := NewQueue[int]()
	const n = 1000
	go func() {
		for i := range n {
			q.Publish(i)
		}
	}()
	for i := range n {
		v, err := q.Consume(t.Context())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}
