package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, zerolog.Nop())
	var (
		running, peak atomic.Int32
		mu            sync.Mutex
	)
	for i := 0; i < 8; i++ {
		p.Go(context.Background(), func(context.Context) {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	var ran atomic.Bool
	p.Go(context.Background(), func(context.Context) { panic("boom") })
	p.Go(context.Background(), func(context.Context) { ran.Store(true) })
	p.Wait()
	assert.True(t, ran.Load(), "a panicking job must release its slot")
}

func TestPoolGoAfterCancel(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	block := make(chan struct{})
	p.Go(context.Background(), func(context.Context) { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Go(ctx, func(context.Context) {}))
	close(block)
	p.Wait()
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, 32*time.Second, Backoff(6))
	assert.Equal(t, time.Minute, Backoff(7))
	assert.Equal(t, time.Minute, Backoff(40))
}
