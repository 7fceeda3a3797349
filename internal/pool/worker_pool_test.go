package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 8})
	defer p.Close()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			done.Add(1)
		})
		if err != nil {
			wg.Done()
			// Full is a legal answer; retry once the queue drains.
			time.Sleep(10 * time.Millisecond)
			i--
		}
	}
	wg.Wait()

	assert.Equal(t, int32(20), done.Load())
	assert.GreaterOrEqual(t, int64(20), p.Stats().Completed)
}

func TestPoolBoundsWorkers(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 16})
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 0})
	defer p.Close()

	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		<-block
	}))

	// The single worker is busy and the queue holds nothing.
	assert.Eventually(t, func() bool {
		err := p.Submit(context.Background(), func(ctx context.Context) {})
		return err == ErrPoolFull
	}, time.Second, time.Millisecond)

	close(block)
	assert.Greater(t, p.Stats().Rejected, int64(0))
}

func TestPoolClosedRejects(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 8})

	var done atomic.Int32
	for i := 0; i < 8; i++ {
		_ = p.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			done.Add(1)
		})
	}
	p.Close()

	assert.Equal(t, p.Stats().Submitted, int64(done.Load()))
}

func TestPoolRecoversPanics(t *testing.T) {
	var caught atomic.Value
	p := New(Config{MaxWorkers: 1, QueueSize: 1, PanicHandler: func(r any) {
		caught.Store(r)
	}})
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()

	assert.Equal(t, "boom", caught.Load())
	assert.Equal(t, int64(1), p.Stats().Panicked)
}
