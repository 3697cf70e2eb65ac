// Package retry runs idempotent "ensure state X holds" operations under a
// bounded exponential backoff. It replaces fixed settle sleeps: the first
// wait is the settle delay, and only transient failures are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jason-s-yu/skirmish/internal/apperr"
)

// ErrNotYet is returned by Ensure when the state was never observed.
var ErrNotYet = apperr.New(apperr.CodeTransient, "state not yet observed")

// Policy bounds a retry loop.
type Policy struct {
	// SettleDelay is the first wait, covering store propagation lag.
	SettleDelay time.Duration
	MaxInterval time.Duration
	// MaxTries counts every attempt, including the first.
	MaxTries uint
}

// DefaultPolicy waits half a second and retries once.
func DefaultPolicy() Policy {
	return Policy{
		SettleDelay: 500 * time.Millisecond,
		MaxInterval: 2 * time.Second,
		MaxTries:    2,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.SettleDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

func (p Policy) tries() uint {
	if p.MaxTries == 0 {
		return 1
	}
	return p.MaxTries
}

// Do runs op until it succeeds, fails permanently, or the policy is spent.
// Errors that are not apperr.Retryable stop the loop immediately.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !apperr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(p.tries()))
	return err
}

// Ensure waits SettleDelay, then checks whether the desired state holds.
// When it does not, fix is applied and the check repeats on the next attempt.
// The last attempt only checks, so fix runs at most MaxTries-1 times.
func Ensure(ctx context.Context, p Policy, check func(ctx context.Context) (bool, error), fix func(ctx context.Context) error) error {
	if err := sleep(ctx, p.SettleDelay); err != nil {
		return err
	}
	tries := p.tries()
	var attempt uint
	return Do(ctx, p, func(ctx context.Context) error {
		attempt++
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= tries {
			return ErrNotYet
		}
		if err := fix(ctx); err != nil {
			return err
		}
		return ErrNotYet
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
