package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool runs functions on at most size goroutines at a time.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
	log zerolog.Logger
}

func NewPool(size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size), log: log}
}

// Go waits for a free slot and runs fn on its own goroutine. It returns false
// without running fn if ctx is done first. A panic in fn is recovered and
// logged.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Err(PanicError(r)).Msg("worker panic recovered")
			}
		}()
		fn(ctx)
	}()
	return true
}

// Wait blocks until every started function has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func PanicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// Backoff is an exponential delay capped at one minute.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return time.Minute
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
