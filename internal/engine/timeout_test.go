package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeoutBoundsInvocation(t *testing.T) {
	slow := RunnerFunc(func(ctx context.Context, job Job) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(5 * time.Second):
			return &Result{}, nil
		}
	})

	e := WithTimeout(slow, 20*time.Millisecond)
	_, err := e.Run(context.Background(), Job{Kind: JobOptimize})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	fast := RunnerFunc(func(ctx context.Context, job Job) (*Result, error) {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return &Result{Energy: -1}, nil
	})

	e := WithTimeout(fast, 0)
	res, err := e.Run(context.Background(), Job{Kind: JobOptimize})
	require.NoError(t, err)
	assert.Equal(t, -1.0, res.Energy)
}
