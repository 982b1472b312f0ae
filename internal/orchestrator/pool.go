package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Pool is a fixed set of long-lived workers fed from one job channel.
type Pool struct {
	name   string
	jobs   chan func()
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	panics atomic.Int64
}

// NewPool starts workers goroutines. At least one worker is started.
func NewPool(name string, workers int) *Pool {
	workers = max(workers, 1)
	p := &Pool{
		name:   name,
		jobs:   make(chan func(), workers),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

// Submit hands fn to a worker. It returns false if ctx ends or the pool is
// closed before a slot frees up.
func (p *Pool) Submit(ctx context.Context, fn func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-p.quit:
		return false
	}
}

// Close stops the workers after their current job and waits up to timeout
// for them to exit. Queued jobs are abandoned, and so are workers still stuck
// in a job when timeout passes. It reports whether every worker exited.
func (p *Pool) Close(timeout time.Duration) bool {
	p.once.Do(func() {
		close(p.quit)
		go func() {
			p.wg.Wait()
			close(p.exited)
		}()
	})

	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
	}
	select {
	case <-p.exited:
		return true
	default:
		slog.Warn("abandoning busy workers", "pool", p.name, "timeout", timeout)
		return false
	}
}

// Panics counts jobs that panicked.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.jobs:
			p.run(fn)
		}
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			slog.Error("worker recovered from panic", "pool", p.name, "panic", r)
		}
	}()
	fn()
}
