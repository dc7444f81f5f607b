package runner

import (
	"context"
	"errors"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("runner pool closed")

// Pool is the shared runner pool: a bounded set of execution slots.
// A slot is checked out exclusively for one job execution and must be
// released when the job completes or is cancelled. Never shared
// across concurrent jobs.
type Pool struct {
	slots  chan struct{}
	closed chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}

	p := &Pool{
		slots:  make(chan struct{}, size),
		closed: make(chan struct{}),
	}
	for range size {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot frees up, the context expires, or the
// pool is closed.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	case <-p.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Release() {
	select {
	case p.slots <- struct{}{}:
	default:
		// releasing more than was acquired is a programming error;
		// dropping the slot here keeps the pool bounded
	}
}

func (p *Pool) Close() {
	close(p.closed)
}

func (p *Pool) Size() int {
	return cap(p.slots)
}
