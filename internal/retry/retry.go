// Package retry wraps a single outbound call with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 4 * time.Second
)

// Transient is implemented by errors that know whether a retry could help.
// Errors that do not implement it are never retried.
type Transient interface {
	Transient() bool
}

// Policy bounds the retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy returns the budget used for provider status calls.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Executor runs calls under a Policy.
type Executor struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// New creates an Executor. Non-positive policy values fall back to the defaults.
func New(p Policy) *Executor {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return &Executor{policy: p, sleep: sleepCtx, jitter: rand.Int63n}
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do calls fn until it succeeds, fails permanently or the attempt budget is spent.
// The last error is returned unchanged so the caller can classify it.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.policy.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == e.policy.Attempts {
			return err
		}

		d := e.Delay(attempt)
		log.Debug().Str("op", op).Int("attempt", attempt).Dur("backoff", d).Err(err).Msg("transient failure, retrying")
		if serr := e.sleep(ctx, d); serr != nil {
			return fmt.Errorf("%w (gave up waiting: %v)", err, serr)
		}
	}
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Delay returns the wait before retry number attempt (1-based): half of
// min(MaxDelay, BaseDelay*2^(attempt-1)) plus a random jitter of up to the other half.
func (e *Executor) Delay(attempt int) time.Duration {
	exp := e.policy.BaseDelay
	for i := 1; i < attempt && exp < e.policy.MaxDelay; i++ {
		exp *= 2
	}
	if exp > e.policy.MaxDelay {
		exp = e.policy.MaxDelay
	}
	half := exp / 2
	if half <= 0 {
		return exp
	}
	return half + time.Duration(e.jitter(int64(half)+1))
}

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
