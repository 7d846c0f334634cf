package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotIndexed = errors.New("not indexed yet")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), "fetch", Policy{Attempts: 5, Delay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errNotIndexed
		}
		return "txid", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "txid", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "fetch", Policy{Attempts: 4, Delay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, errNotIndexed
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errNotIndexed)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, "fetch", exhausted.Operation)
}

func TestDoPermanentErrorAbortsImmediately(t *testing.T) {
	errBad := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), "fetch", Policy{Attempts: 10, Delay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errBad)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errBad)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, "fetch", Policy{Attempts: 10, Delay: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errNotIndexed
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
