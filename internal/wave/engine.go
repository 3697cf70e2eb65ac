// Package wave decides when a battle moves to its next wave or ends.
//
// Every client that observes a session runs its own Engine. Engines on
// different clients race freely; the turn lock keeps them mostly apart and
// the in-transaction re-check of wave and enemy state guarantees that at most
// one of them commits any given transition.
package wave

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/turnlock"
	"github.com/sirupsen/logrus"
)

// DefaultThrottle is the minimum spacing between two write attempts of one engine.
const DefaultThrottle = time.Second

// AllDefeated reports whether every combatant in cs is defeated. An empty
// roster is never defeated. Only the numeric fields count; a stored
// isDefeated flag is ignored.
func AllDefeated(cs []models.Combatant) bool {
	if len(cs) == 0 {
		return false
	}
	for _, c := range cs {
		if !c.IsDefeated() {
			return false
		}
	}
	return true
}

// State is the client-local progress of an engine.
type State int32

const (
	Idle State = iota
	Evaluating
	Transitioning
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Transitioning:
		return "transitioning"
	case Terminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is the result of one AdvanceIfNeeded call.
type Outcome int

const (
	// OutcomeNone means nothing was written by this call.
	OutcomeNone Outcome = iota
	// OutcomeThrottled means a transition looked due but the engine attempted
	// one too recently.
	OutcomeThrottled
	OutcomeAdvanced
	OutcomeVictory
	OutcomeDefeat
	// OutcomeLockHeld means another client holds the turn lock. The attempt
	// may be repeated once that lock goes stale.
	OutcomeLockHeld
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeVictory:
		return "victory"
	case OutcomeDefeat:
		return "defeat"
	case OutcomeLockHeld:
		return "lock_held"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Hooks are the local callbacks of an engine. OnVictory and OnDefeat fire at
// most once per engine, whether this engine wrote the terminal status or only
// observed it. Nil hooks are skipped.
type Hooks struct {
	OnWaveAdvanced func(s *models.BattleSession)
	OnVictory      func(s *models.BattleSession)
	OnDefeat       func(s *models.BattleSession)
}

// Engine drives wave progression for one session on behalf of one client.
type Engine struct {
	sessionID string
	clientID  string
	sessions  *battle.Manager
	locks     *turnlock.Coordinator
	hooks     Hooks
	throttle  time.Duration
	now       func() time.Time
	log       logrus.FieldLogger

	state atomic.Int32

	mu          sync.Mutex
	lastAttempt time.Time
	lockRetry   time.Time
	latest      *models.BattleSession
	seen        int64
	terminal    Outcome

	wake chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithThrottle sets the minimum spacing between write attempts. Zero
// disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.throttle = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an idle engine for sessionID acting as clientID.
func New(sessionID, clientID string, sessions *battle.Manager, locks *turnlock.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		sessionID: sessionID,
		clientID:  clientID,
		sessions:  sessions,
		locks:     locks,
		throttle:  DefaultThrottle,
		now:       time.Now,
		log:       logrus.StandardLogger(),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithFields(logrus.Fields{"session": sessionID, "client": clientID})
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) cas(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// AdvanceIfNeeded inspects snap and, when every enemy is defeated, moves the
// session to its next wave or to victory. When every ally is defeated it
// moves the session to defeat. A terminal snap is surfaced through the hooks
// without writing. Preconditions that do not hold make the call a no-op.
//
// A missing roster for the next wave aborts the transition with WAVE_MISSING.
func (e *Engine) AdvanceIfNeeded(ctx context.Context, snap *models.BattleSession) (Outcome, error) {
	if snap == nil {
		return OutcomeNone, nil
	}
	if e.State() == Terminal {
		return e.terminalOutcome(), nil
	}
	if snap.Status.IsTerminal() {
		return e.surfaceTerminal(snap), nil
	}
	if snap.Status != models.StatusActive {
		return OutcomeNone, nil
	}
	if !AllDefeated(snap.Enemies) && !AllDefeated(snap.Allies) {
		return OutcomeNone, nil
	}

	if !e.cas(Idle, Evaluating) {
		return OutcomeNone, nil
	}
	if !e.admit() {
		e.cas(Evaluating, Idle)
		return OutcomeThrottled, nil
	}
	if !e.cas(Evaluating, Transitioning) {
		return OutcomeNone, nil
	}

	outcome, s, err := e.transition(ctx, snap)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.CodeLockHeld):
		e.log.Debugf("turn lock held elsewhere, backing off: %v", err)
		e.noteLockHeld(err)
		e.cas(Transitioning, Idle)
		return OutcomeLockHeld, nil
	case apperr.Is(err, apperr.CodeStoreInternal):
		e.log.Warnf("store fault during wave transition: %v", err)
		err = nil
	case apperr.Is(err, apperr.CodeWaveMissing):
		e.log.WithField("wave", snap.Wave).Warn(err.Error())
	default:
		e.log.WithField("wave", snap.Wave).Errorf("wave transition failed: %v", err)
	}

	switch outcome {
	case OutcomeVictory, OutcomeDefeat:
		e.surfaceTerminal(s)
		return outcome, nil
	case OutcomeAdvanced:
		e.cas(Transitioning, Idle)
		e.log.WithField("wave", s.Wave).Info("advanced to next wave")
		if e.hooks.OnWaveAdvanced != nil {
			e.hooks.OnWaveAdvanced(s)
		}
		return outcome, nil
	}
	e.cas(Transitioning, Idle)
	if s != nil && s.Status.IsTerminal() {
		return e.surfaceTerminal(s), err
	}
	return OutcomeNone, err
}

// admit consumes the throttle window.
func (e *Engine) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if e.throttle > 0 && !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) < e.throttle {
		return false
	}
	e.lastAttempt = now
	return true
}

// noteLockHeld records when the blocking lock may be reclaimed.
func (e *Engine) noteLockHeld(err error) {
	at, ok := turnlock.ReclaimableAt(err)
	if !ok {
		at = e.now().Add(turnlock.DefaultStaleAfter)
	}
	e.mu.Lock()
	e.lockRetry = at
	e.mu.Unlock()
}

func (e *Engine) lockRetryAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockRetry
}

// retryAt is when the throttle next admits an attempt.
func (e *Engine) retryAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAttempt.Add(e.throttle)
}

// transition performs the guarded write. The returned session is the state
// the write produced, or the latest state read when nothing was written.
func (e *Engine) transition(ctx context.Context, snap *models.BattleSession) (Outcome, *models.BattleSession, error) {
	outcome := OutcomeNone
	var result *models.BattleSession
	err := e.locks.WithLock(ctx, e.sessionID, e.clientID, snap.TurnCount, func(ctx context.Context, _ *turnlock.Lease) error {
		s, err := e.sessions.Mutate(ctx, e.sessionID, func(s *models.BattleSession) error {
			outcome = OutcomeNone
			if s.Status != models.StatusActive || s.Wave != snap.Wave {
				return battle.ErrNoChange
			}
			now := e.now().UTC()
			switch {
			case AllDefeated(s.Enemies) && s.Wave >= s.MaxWaves:
				s.Status = models.StatusComplete
				s.Phase = models.PhaseVictory
				s.PendingMoves = map[string]models.Move{}
				s.BattleLog = append(s.BattleLog, battle.NewLogEntry(s, models.LogVictory,
					fmt.Sprintf("Victory! All %d waves cleared", s.MaxWaves), now))
				outcome = OutcomeVictory

			case AllDefeated(s.Enemies):
				next := s.Wave + 1
				roster, ok := s.CustomWaves.Roster(next)
				if !ok {
					return apperr.New(apperr.CodeWaveMissing,
						fmt.Sprintf("no enemy roster authored for wave %d", next))
				}
				s.Wave = next
				s.Enemies = roster
				s.Status = models.StatusActive
				s.Phase = models.PhaseSelection
				s.PendingMoves = map[string]models.Move{}
				s.BattleLog = append(s.BattleLog, battle.NewLogEntry(s, models.LogWaveStart,
					fmt.Sprintf("Wave %d begins", next), now))
				outcome = OutcomeAdvanced

			case AllDefeated(s.Allies):
				s.Status = models.StatusDefeated
				s.Phase = models.PhaseDefeat
				s.PendingMoves = map[string]models.Move{}
				s.BattleLog = append(s.BattleLog, battle.NewLogEntry(s, models.LogDefeat,
					"All allies have fallen", now))
				outcome = OutcomeDefeat

			default:
				return battle.ErrNoChange
			}
			return nil
		})
		result = s
		return err
	})
	if err != nil {
		return OutcomeNone, result, err
	}
	return outcome, result, nil
}

// surfaceTerminal moves the engine to Terminal and fires the matching hook
// the first time it is called. The state is stored rather than swapped so a
// concurrent evaluation loses its own CAS and gives up.
func (e *Engine) surfaceTerminal(s *models.BattleSession) Outcome {
	outcome := OutcomeVictory
	if s.Status == models.StatusDefeated {
		outcome = OutcomeDefeat
	}
	e.mu.Lock()
	if e.State() == Terminal {
		prev := e.terminal
		e.mu.Unlock()
		return prev
	}
	e.state.Store(int32(Terminal))
	e.terminal = outcome
	e.mu.Unlock()

	e.log.WithField("wave", s.Wave).Infof("battle reached %s", s.Status)
	switch outcome {
	case OutcomeVictory:
		if e.hooks.OnVictory != nil {
			e.hooks.OnVictory(s)
		}
	case OutcomeDefeat:
		if e.hooks.OnDefeat != nil {
			e.hooks.OnDefeat(s)
		}
	}
	return outcome
}

func (e *Engine) terminalOutcome() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Observe queues snap for evaluation by Run. Only the newest snapshot is
// kept; a revision older than any already observed is dropped.
func (e *Engine) Observe(snap *models.BattleSession) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	if snap.Revision < e.seen {
		e.mu.Unlock()
		return
	}
	e.seen = snap.Revision
	e.latest = snap
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) take() *models.BattleSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.latest
	e.latest = nil
	return s
}

// requeue puts snap back unless something newer arrived meanwhile.
func (e *Engine) requeue(snap *models.BattleSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		e.latest = snap
	}
}

// Run evaluates observed snapshots one at a time until ctx is done. A
// throttled snapshot is retried once the throttle window has passed. A
// snapshot blocked by another client's turn lock is retried when that lock
// goes stale, or earlier when a newer snapshot arrives.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		}
		for snap := e.take(); snap != nil; snap = e.take() {
			outcome, err := e.AdvanceIfNeeded(ctx, snap)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			var wake <-chan struct{}
			var until time.Time
			switch outcome {
			case OutcomeThrottled:
				until = e.retryAt()
			case OutcomeLockHeld:
				until = e.lockRetryAt()
				wake = e.wake
			default:
				continue
			}
			e.requeue(snap)
			if err := e.sleep(ctx, until, wake); err != nil {
				return err
			}
		}
	}
}

// sleep waits until the given time, until wake fires, or until ctx is done.
func (e *Engine) sleep(ctx context.Context, until time.Time, wake <-chan struct{}) error {
	wait := until.Sub(e.now())
	if wait <= 0 {
		wait = time.Millisecond
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-wake:
	}
	return nil
}
