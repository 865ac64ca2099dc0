// Package limit provides a fixed-size concurrency limiter used to cap
// simultaneous generation calls and detached background tasks.
package limit

import "context"

type Limiter struct {
	slots chan struct{}
}

func New(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Limiter) Release() {
	<-l.slots
}
