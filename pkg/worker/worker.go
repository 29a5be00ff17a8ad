// Package worker provides bounded goroutine pools for effect execution and
// broadcast delivery. Pools are sized per workload class to prevent
// head-of-line blocking between cheap data operations and AI calls.
package worker

import (
	"context"
	"errors"
)

var (
	ErrBackpressure = errors.New("worker queue is full")
)

type job struct {
	ctx context.Context
	fn  func(context.Context) (any, error)
	ret chan<- result
}

type result struct {
	val any
	err error
}

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	jobs chan job
	stop chan struct{}
}

func NewPool(size int, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 128
	}

	p := &Pool{
		jobs: make(chan job, queue),
		stop: make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	for {
		select {
		case j := <-p.jobs:
			val, err := j.fn(j.ctx)
			j.ret <- result{val, err}
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

// Submit runs fn on a pool worker and waits for its result.
// Fails fast with ErrBackpressure when the queue is full.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	ret := make(chan result, 1)
	select {
	case p.jobs <- job{ctx, fn, ret}:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ret:
			return res.val, res.err
		}
	default:
		return nil, ErrBackpressure
	}
}

// Dispatch runs fn on a pool worker without waiting. The job is dropped when
// the queue is full; callers that need a guarantee use Submit.
func (p *Pool) Dispatch(fn func()) bool {
	ret := make(chan result, 1)
	wrapped := job{
		ctx: context.Background(),
		fn: func(context.Context) (any, error) {
			fn()
			return nil, nil
		},
		ret: ret,
	}
	select {
	case p.jobs <- wrapped:
		return true
	default:
		return false
	}
}

// Workload classes. Effect leaves advertise one of these for routing.
const (
	ClassSimple      = "simple"
	ClassMedium      = "medium"
	ClassComplex     = "complex"
	ClassAIIntensive = "ai_intensive"
)

// Pools routes work onto per-class pools.
type Pools struct {
	byClass map[string]*Pool
}

// PoolSizes configures workers per class. Zero values get defaults.
type PoolSizes struct {
	Simple      int
	Medium      int
	Complex     int
	AIIntensive int
	Queue       int
}

func NewPools(sizes PoolSizes) *Pools {
	def := func(n, fallback int) int {
		if n <= 0 {
			return fallback
		}
		return n
	}
	queue := def(sizes.Queue, 256)
	return &Pools{
		byClass: map[string]*Pool{
			ClassSimple:      NewPool(def(sizes.Simple, 16), queue),
			ClassMedium:      NewPool(def(sizes.Medium, 8), queue),
			ClassComplex:     NewPool(def(sizes.Complex, 4), queue),
			ClassAIIntensive: NewPool(def(sizes.AIIntensive, 4), queue),
		},
	}
}

// Submit routes fn to the pool for class, falling back to the simple pool
// for unknown classes.
func (p *Pools) Submit(ctx context.Context, class string, fn func(context.Context) (any, error)) (any, error) {
	pool, ok := p.byClass[class]
	if !ok {
		pool = p.byClass[ClassSimple]
	}
	return pool.Submit(ctx, fn)
}

func (p *Pools) Stop() {
	for _, pool := range p.byClass {
		pool.Stop()
	}
}
