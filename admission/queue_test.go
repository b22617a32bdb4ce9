/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestNewQueue(t *testing.T) {
	t.Run("invalid max concurrent", func(t *testing.T) {
		_, err := NewQueue(0, 10)
		require.Error(t, err)
		_, err = NewQueue(-1, 10)
		require.Error(t, err)
	})

	t.Run("invalid max queue length", func(t *testing.T) {
		_, err := NewQueue(1, -1)
		require.Error(t, err)
	})

	t.Run("zero queue length is allowed", func(t *testing.T) {
		q, err := NewQueue(1, 0)
		require.NoError(t, err)
		require.NotNil(t, q)
	})
}

func TestQueueAcquireImmediate(t *testing.T) {
	q := MustNewQueue(2, 10)

	release1, err := q.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := q.Acquire(context.Background())
	require.NoError(t, err)

	stats := q.Stats()
	require.Equal(t, 2, stats.ActiveCount)
	require.Equal(t, 0, stats.QueueLength)
	require.Equal(t, 2, stats.MaxConcurrent)
	require.Equal(t, 10, stats.MaxQueueLength)

	release1()
	release2()
	require.Equal(t, 0, q.Stats().ActiveCount)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	const maxConcurrent = 3
	const totalCalls = 30

	q := MustNewQueue(maxConcurrent, totalCalls)

	activeCount := atomic.NewInt32(0)
	peakCount := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < totalCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := q.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			cur := activeCount.Inc()
			for {
				peak := peakCount.Load()
				if cur <= peak || peakCount.CompareAndSwap(peak, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond * 2)
			activeCount.Dec()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peakCount.Load(), int32(maxConcurrent))
	require.Equal(t, 0, q.Stats().ActiveCount)
	require.Equal(t, 0, q.Stats().QueueLength)
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := MustNewQueue(1, 1)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		r, acquireErr := q.Acquire(context.Background())
		if acquireErr == nil {
			r()
		}
		waiterErr <- acquireErr
	}()
	require.Eventually(t, func() bool {
		return q.Stats().QueueLength == 1
	}, time.Second, time.Millisecond)

	_, err = q.Acquire(context.Background())
	require.Error(t, err)
	var queueFullErr *QueueFullError
	require.ErrorAs(t, err, &queueFullErr)
	require.False(t, queueFullErr.Backlogged)
	require.Equal(t, "admission queue is full", queueFullErr.Error())

	release()
	require.NoError(t, <-waiterErr)
}

func TestQueueRejectsWhenQueuingDisabled(t *testing.T) {
	q := MustNewQueue(1, 0)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = q.Acquire(context.Background())
	var queueFullErr *QueueFullError
	require.ErrorAs(t, err, &queueFullErr)
	require.False(t, queueFullErr.Backlogged)
}

func TestQueueWaitTimeout(t *testing.T) {
	q := MustNewQueue(1, 10)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
	defer cancel()
	_, err = q.Acquire(ctx)
	var queueFullErr *QueueFullError
	require.ErrorAs(t, err, &queueFullErr)
	require.True(t, queueFullErr.Backlogged)
	require.Equal(t, "admission queue wait timed out", queueFullErr.Error())
	require.Equal(t, 0, q.Stats().QueueLength)
}

func TestQueueWaitCanceled(t *testing.T) {
	q := MustNewQueue(1, 10)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	acquireErr := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx)
		acquireErr <- err
	}()
	require.Eventually(t, func() bool {
		return q.Stats().QueueLength == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-acquireErr, context.Canceled)
	require.Equal(t, 0, q.Stats().QueueLength)
}

func TestQueueFIFOOrder(t *testing.T) {
	const waitersNum = 5

	q := MustNewQueue(1, waitersNum)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	admitted := make(chan int, waitersNum)
	for i := 0; i < waitersNum; i++ {
		i := i
		go func() {
			r, acquireErr := q.Acquire(context.Background())
			require.NoError(t, acquireErr)
			admitted <- i
			r()
		}()
		// Enqueue strictly one by one so the expected order is deterministic.
		require.Eventually(t, func() bool {
			return q.Stats().QueueLength == i+1
		}, time.Second, time.Millisecond)
	}

	release()
	for i := 0; i < waitersNum; i++ {
		require.Equal(t, i, <-admitted, fmt.Sprintf("waiter #%d must be admitted in arrival order", i))
	}
	require.Equal(t, 0, q.Stats().ActiveCount)
}

func TestQueueReleaseIsIdempotent(t *testing.T) {
	q := MustNewQueue(2, 10)

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	require.Equal(t, 0, q.Stats().ActiveCount)

	// The duplicate release must not have freed a phantom slot.
	r1, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer r1()
	r2, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer r2()
	require.Equal(t, 2, q.Stats().ActiveCount)
}
