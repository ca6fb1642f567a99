package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct{ code int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) Transient() bool { return e.code >= 500 }

// newTestExecutor records requested delays instead of sleeping.
func newTestExecutor(p Policy) (*Executor, *[]time.Duration) {
	e := New(p)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e.jitter = func(n int64) int64 { return 0 }
	return e, &slept
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	e, slept := newTestExecutor(DefaultPolicy())

	calls := 0
	got, err := Value(context.Background(), e, "status", func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", &statusError{code: 503}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2, "exactly two delayed retries")
}

func TestDo_NeverRetries4xx(t *testing.T) {
	e, slept := newTestExecutor(DefaultPolicy())

	calls := 0
	err := e.Do(context.Background(), "status", func(context.Context) error {
		calls++
		return &statusError{code: 404}
	})

	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.code)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_UnclassifiedErrorsAreNotRetried(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())
	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("plain")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	e, slept := newTestExecutor(Policy{Attempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &statusError{code: 500 + calls}
	})

	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 504, se.code, "last error surfaces")
	assert.Equal(t, 4, calls)
	assert.Len(t, *slept, 3)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	e := New(Policy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := e.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return &statusError{code: 502}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var se *statusError
	assert.ErrorAs(t, err, &se)
}

func TestDelay_ExponentialAndCapped(t *testing.T) {
	e, _ := newTestExecutor(Policy{Attempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})

	assert.Equal(t, 50*time.Millisecond, e.Delay(1))
	assert.Equal(t, 100*time.Millisecond, e.Delay(2))
	assert.Equal(t, 200*time.Millisecond, e.Delay(3))
	assert.Equal(t, 200*time.Millisecond, e.Delay(4), "capped at half of MaxDelay before jitter")
}

func TestDelay_JitterStaysWithinCeiling(t *testing.T) {
	e := New(Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 800 * time.Millisecond})
	for attempt := 1; attempt <= 5; attempt++ {
		for range 50 {
			d := e.Delay(attempt)
			assert.LessOrEqual(t, d, 800*time.Millisecond)
			assert.Greater(t, d, time.Duration(0))
		}
	}
}
