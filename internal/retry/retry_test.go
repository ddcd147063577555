package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffValues(t *testing.T) {
	t.Parallel()

	fixed := Fixed(5 * time.Second)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 5*time.Second, fixed(i))
	}

	exp := Exponential(3 * time.Second)
	assert.Equal(t, 3*time.Second, exp(0))
	assert.Equal(t, 6*time.Second, exp(1))
	assert.Equal(t, 12*time.Second, exp(2))
	assert.Equal(t, 24*time.Second, exp(3))
}

func TestDoFirstAttemptSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), 5, Fixed(time.Hour), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), 5, Fixed(time.Millisecond), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsExactly(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), 4, Fixed(time.Millisecond), func(context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestDoStopShortCircuits(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), 5, Fixed(time.Millisecond), func(context.Context) error {
		calls++
		return Stop(permanent)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, 3, Fixed(time.Hour), func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoValueReturnsValue(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := DoValue(context.Background(), 3, Fixed(time.Millisecond), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("empty page")
		}
		return "conteúdo", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conteúdo", got)
	assert.Equal(t, 2, calls)
}
