package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(tries uint) Policy {
	return Policy{SettleDelay: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxTries: tries}
}

func TestDoRetriesTransientOnly(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.New(apperr.CodeTransient, "lag")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	full := apperr.New(apperr.CodeBattleFull, "This battle is full")
	err = Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return full
	})
	assert.True(t, errors.Is(err, full))
	assert.Equal(t, 1, calls, "precondition failures are not retried")
}

func TestDoIsBounded(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.CodeTransient, "still lagging")
	})
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 2, calls)
}

func TestEnsureFixesOnce(t *testing.T) {
	present := false
	fixes := 0
	err := Ensure(context.Background(), fastPolicy(2),
		func(ctx context.Context) (bool, error) { return present, nil },
		func(ctx context.Context) error {
			fixes++
			present = true
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, fixes)
}

func TestEnsureGivesUp(t *testing.T) {
	fixes := 0
	err := Ensure(context.Background(), fastPolicy(2),
		func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context) error {
			fixes++
			return nil
		})
	assert.True(t, errors.Is(err, ErrNotYet))
	assert.Equal(t, 1, fixes, "the final attempt only verifies")
}

func TestEnsureNoFixNeeded(t *testing.T) {
	err := Ensure(context.Background(), fastPolicy(2),
		func(ctx context.Context) (bool, error) { return true, nil },
		func(ctx context.Context) error {
			t.Fatal("fix must not run when the state already holds")
			return nil
		})
	require.NoError(t, err)
}
