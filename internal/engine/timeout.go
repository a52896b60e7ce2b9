package engine

import (
	"context"
	"time"
)

// WithTimeout bounds every invocation of an engine with a per-job
// deadline so a hung external program cannot stall a worker slot forever.
// A non-positive timeout returns the engine unchanged.
func WithTimeout(e Engine, timeout time.Duration) Engine {
	if timeout <= 0 {
		return e
	}
	return &timeoutEngine{inner: e, timeout: timeout}
}

type timeoutEngine struct {
	inner   Engine
	timeout time.Duration
}

func (t *timeoutEngine) Name() string { return t.inner.Name() }

func (t *timeoutEngine) Run(ctx context.Context, job Job) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Run(ctx, job)
}
