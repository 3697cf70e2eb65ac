// Package turnlock implements the advisory lock a client takes on a session
// before it resolves a turn or advances a wave. The lock lives in the session
// document itself (turnResolutionLock) and is cooperative: it keeps honest
// clients from racing each other, and every guarded write still re-checks its
// preconditions inside its own transaction.
package turnlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultStaleAfter is how long a lock is honored before anyone may reclaim it.
const DefaultStaleAfter = 10 * time.Second

// releaseTimeout bounds a release that runs after the caller's ctx ended.
const releaseTimeout = 5 * time.Second

// HeldError is the cause of a LOCK_HELD error. StaleAt is when the blocking
// lock may be reclaimed.
type HeldError struct {
	Lock    models.TurnLock
	StaleAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("locked by %s until %s", e.Lock.LockedBy, e.StaleAt.Format(time.RFC3339Nano))
}

// ReclaimableAt returns when the lock behind a LOCK_HELD error goes stale.
func ReclaimableAt(err error) (time.Time, bool) {
	var held *HeldError
	if errors.As(err, &held) {
		return held.StaleAt, true
	}
	return time.Time{}, false
}

// Coordinator hands out session-scoped leases.
type Coordinator struct {
	sessions   *battle.Manager
	staleAfter time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New returns a Coordinator that stores locks through sessions.
func New(sessions *battle.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:   sessions,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	c         *Coordinator
	sessionID string
	lock      models.TurnLock
}

// Holder returns the id the lock is held under.
func (l *Lease) Holder() string {
	return l.lock.LockedBy
}

// Acquire takes the lock on sessionID for holder. It fails with LOCK_HELD when
// another holder has a lock that is not yet stale. A holder may re-take its
// own lock, which refreshes the timestamp.
func (c *Coordinator) Acquire(ctx context.Context, sessionID, holder string, turn int) (*Lease, error) {
	lock := models.TurnLock{LockedBy: holder, TurnNumber: turn}
	_, err := c.sessions.Mutate(ctx, sessionID, func(s *models.BattleSession) error {
		now := c.now().UTC()
		if cur := s.TurnResolutionLock; cur != nil && cur.LockedBy != holder && !cur.Stale(now, c.staleAfter) {
			return apperr.Wrap(apperr.CodeLockHeld,
				fmt.Sprintf("turn %d is being resolved by %s", cur.TurnNumber, cur.LockedBy),
				&HeldError{Lock: *cur, StaleAt: cur.LockedAt.Add(c.staleAfter)})
		} else if cur != nil && cur.LockedBy != holder {
			c.log.WithFields(logrus.Fields{
				"session":  sessionID,
				"previous": cur.LockedBy,
				"age":      now.Sub(cur.LockedAt).String(),
			}).Warn("reclaiming stale turn lock")
		}
		lock.LockedAt = now
		held := lock
		s.TurnResolutionLock = &held
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Lease{c: c, sessionID: sessionID, lock: lock}, nil
}

// Release clears the lock if this lease still owns it. A lock that was
// reclaimed by someone else after going stale is left alone.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.c.sessions.Mutate(ctx, l.sessionID, func(s *models.BattleSession) error {
		cur := s.TurnResolutionLock
		if cur == nil || cur.LockedBy != l.lock.LockedBy || !cur.LockedAt.Equal(l.lock.LockedAt) {
			return battle.ErrNoChange
		}
		s.TurnResolutionLock = nil
		return nil
	})
	return err
}

// Owns reports whether s carries this lease's lock.
func (l *Lease) Owns(s *models.BattleSession) bool {
	cur := s.TurnResolutionLock
	return cur != nil && cur.LockedBy == l.lock.LockedBy && cur.LockedAt.Equal(l.lock.LockedAt)
}

// WithLock runs fn while holding the lock and releases it afterwards,
// whether fn succeeded or not. The release still runs when ctx was cancelled
// during fn.
func (c *Coordinator) WithLock(ctx context.Context, sessionID, holder string, turn int, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := c.Acquire(ctx, sessionID, holder, turn)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := lease.Release(rctx); rerr != nil {
			c.log.WithField("session", sessionID).Warnf("failed to release turn lock: %v", rerr)
		}
	}()
	return fn(ctx, lease)
}
