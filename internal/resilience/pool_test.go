package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunBoundedRunsAllItems(t *testing.T) {
	var completed int32
	err := RunBounded(context.Background(), 4, 20, func(ctx context.Context, i int) error {
		atomic.AddInt32(&completed, 1)
		return nil
	})

	assert.NoError(t, err)
	assert.EqualValues(t, 20, completed)
}

func TestRunBoundedPropagatesFirstError(t *testing.T) {
	wantErr := errors.New("item failed")
	err := RunBounded(context.Background(), 4, 20, func(ctx context.Context, i int) error {
		if i == 5 {
			return wantErr
		}
		return nil
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestRunBoundedRespectsConcurrencyLimit(t *testing.T) {
	var current, peak int32
	err := RunBounded(context.Background(), 2, 10, func(ctx context.Context, i int) error {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(2))
}
