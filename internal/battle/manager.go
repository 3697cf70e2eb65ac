// internal/battle/manager.go

// Package battle owns the battle-session document: creating it, seating
// participants, recording moves, and mirroring the latest observed state for
// local consumers. Every mutation is a single read-modify-write of the whole
// session inside a store transaction; lists are always replaced wholesale.
package battle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/retry"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the maximum number of participants in a session.
const DefaultCapacity = 4

// ErrNoChange can be returned from a Mutate callback to skip the write.
var ErrNoChange = errors.New("no change")

// SessionPath is the store path of a session document.
func SessionPath(id string) string {
	return "battles/" + id
}

// Config is the initial setup of a session.
type Config struct {
	// Enemies is the roster for wave 1. When empty, CustomWaves[1] is used.
	Enemies     []models.Combatant
	Allies      []models.Combatant
	CustomWaves models.WaveTable
	// MaxWaves defaults to the last wave in CustomWaves, or 1.
	MaxWaves int
	RNGSeed  int64

	// Host seats the host as the first participant when set.
	Host          *models.Participant
	HostCombatant *models.Combatant
}

// Manager creates and mutates sessions and keeps a local mirror of every
// session it is subscribed to.
type Manager struct {
	store    store.Store
	log      logrus.FieldLogger
	capacity int
	policy   retry.Policy
	now      func() time.Time

	mirrors *mirrorSet
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithRetryPolicy sets the settle-and-verify policy used by EnsureJoined.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager backed by st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		log:      logrus.StandardLogger(),
		capacity: DefaultCapacity,
		policy:   retry.DefaultPolicy(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.mirrors = newMirrorSet(st, m.log)
	return m
}

// Capacity returns the participant limit.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.now()
}

// CreateSession writes a new active session at wave 1. It fails with
// PRECONDITION_FAILED when id is already taken. An empty id is generated.
func (m *Manager) CreateSession(ctx context.Context, id, hostID string, cfg Config) (*models.BattleSession, error) {
	if id == "" {
		id = uuid.NewString()
	}
	enemies := models.CloneCombatants(cfg.Enemies)
	if len(enemies) == 0 {
		roster, ok := cfg.CustomWaves.Roster(1)
		if !ok {
			return nil, apperr.New(apperr.CodePreconditionFailed, "A battle needs an enemy roster for wave 1")
		}
		enemies = roster
	}
	maxWaves := cfg.MaxWaves
	if maxWaves <= 0 {
		maxWaves = cfg.CustomWaves.Last()
	}
	if maxWaves <= 0 {
		maxWaves = 1
	}
	waves := models.WaveTable{}
	for n, roster := range cfg.CustomWaves {
		waves[n] = models.CloneCombatants(roster)
	}
	seed := cfg.RNGSeed
	if seed == 0 {
		seed = rand.Int63()
	}

	now := m.now().UTC()
	s := &models.BattleSession{
		ID:           id,
		Status:       models.StatusActive,
		Phase:        models.PhaseSelection,
		HostID:       hostID,
		Participants: []models.Participant{},
		Allies:       models.CloneCombatants(cfg.Allies),
		Enemies:      enemies,
		Wave:         1,
		MaxWaves:     maxWaves,
		CustomWaves:  waves,
		PendingMoves: map[string]models.Move{},
		TurnCount:    1,
		RNGSeed:      seed,
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.Allies == nil {
		s.Allies = []models.Combatant{}
	}
	if cfg.Host != nil {
		host := *cfg.Host
		host.IsHost = true
		host.JoinedAt = now
		s.Participants = append(s.Participants, host)
		if cfg.HostCombatant != nil {
			c := *cfg.HostCombatant
			if c.ID == "" {
				c.ID = host.ID
			}
			s.Allies = append(s.Allies, models.CloneCombatants([]models.Combatant{c})...)
		}
	}
	s.BattleLog = []models.LogEntry{NewLogEntry(s, models.LogWaveStart, "Wave 1 begins", now)}

	if err := m.store.Create(ctx, SessionPath(id), s); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.Wrap(apperr.CodePreconditionFailed, "A battle with this id already exists", err)
		}
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "host": hostID, "maxWaves": maxWaves}).Info("battle session created")
	return s, nil
}

// Get reads the current session from the store.
func (m *Manager) Get(ctx context.Context, id string) (*models.BattleSession, error) {
	var s models.BattleSession
	if err := m.store.Get(ctx, SessionPath(id), &s); err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Wrap(apperr.CodeNotFound, "This battle no longer exists", err)
		}
		return nil, err
	}
	s.Normalize()
	return &s, nil
}

// Mutate applies fn to the latest session and writes the result back in one
// transaction. fn may run more than once under contention. Status may only
// move forward and the wave may not decrease; violations abort the write.
func (m *Manager) Mutate(ctx context.Context, id string, fn func(s *models.BattleSession) error) (*models.BattleSession, error) {
	return m.MutateWith(ctx, id, func(_ store.Tx, s *models.BattleSession) error {
		return fn(s)
	})
}

// MutateWith is Mutate with access to the transaction, so fn can read and
// write other documents atomically with the session. Writes fn makes to other
// documents commit even when it returns ErrNoChange.
func (m *Manager) MutateWith(ctx context.Context, id string, fn func(tx store.Tx, s *models.BattleSession) error) (*models.BattleSession, error) {
	var out *models.BattleSession
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		out = nil
		var s models.BattleSession
		if err := tx.Get(SessionPath(id), &s); err != nil {
			if store.IsNotFound(err) {
				return apperr.Wrap(apperr.CodeNotFound, "This battle no longer exists", err)
			}
			return err
		}
		s.Normalize()
		prevStatus, prevWave := s.Status, s.Wave

		if err := fn(tx, &s); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = &s
				return nil
			}
			return err
		}
		if !prevStatus.CanTransition(s.Status) {
			return apperr.New(apperr.CodePreconditionFailed,
				fmt.Sprintf("status cannot move from %s to %s", prevStatus, s.Status))
		}
		if s.Wave < prevWave {
			return apperr.New(apperr.CodePreconditionFailed,
				fmt.Sprintf("wave cannot move back from %d to %d", prevWave, s.Wave))
		}
		s.Normalize()
		s.Revision++
		s.UpdatedAt = m.now().UTC()
		out = &s
		return tx.Set(SessionPath(id), &s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Join seats a participant and adds their combatant to the allies. It
// rejects terminal sessions, full sessions and duplicate participants
// without mutating anything.
func (m *Manager) Join(ctx context.Context, id string, p models.Participant, c models.Combatant) (*models.BattleSession, error) {
	return m.JoinWith(ctx, id, p, c, nil)
}

// JoinWith is Join with also run inside the join's transaction once the
// seat is known to be free. An error from also aborts the join, and nothing
// is written.
func (m *Manager) JoinWith(ctx context.Context, id string, p models.Participant, c models.Combatant, also func(tx store.Tx) error) (*models.BattleSession, error) {
	if p.ID == "" {
		return nil, apperr.New(apperr.CodePreconditionFailed, "participant id is required")
	}
	if c.ID == "" {
		c.ID = p.ID
	}
	s, err := m.MutateWith(ctx, id, func(tx store.Tx, s *models.BattleSession) error {
		if s.Status.IsTerminal() {
			return apperr.New(apperr.CodePreconditionFailed, "This battle has already ended")
		}
		if s.HasParticipant(p.ID) {
			return apperr.New(apperr.CodeAlreadyMember, "You are already in this battle")
		}
		if len(s.Participants) >= m.capacity {
			return apperr.New(apperr.CodeBattleFull, "This battle is full")
		}
		if also != nil {
			if err := also(tx); err != nil {
				return err
			}
		}
		now := m.now().UTC()
		joined := p
		joined.IsHost = p.ID == s.HostID
		joined.JoinedAt = now

		participants := make([]models.Participant, 0, len(s.Participants)+1)
		participants = append(participants, s.Participants...)
		s.Participants = append(participants, joined)

		allies := make([]models.Combatant, 0, len(s.Allies)+1)
		for _, a := range s.Allies {
			if a.ID != c.ID {
				allies = append(allies, a)
			}
		}
		s.Allies = append(allies, models.CloneCombatants([]models.Combatant{c})...)
		s.BattleLog = append(s.BattleLog, NewLogEntry(s, models.LogJoin, joined.DisplayName+" joined the battle", now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"session": id, "participant": p.ID, "seated": len(s.Participants)}).Info("participant joined")
	return s, nil
}

// EnsureJoined joins and then verifies the participant is seated, see
// VerifyJoined. Joining a session the participant is already in succeeds.
func (m *Manager) EnsureJoined(ctx context.Context, id string, p models.Participant, c models.Combatant) (*models.BattleSession, error) {
	if _, err := m.Join(ctx, id, p, c); err != nil && !apperr.Is(err, apperr.CodeAlreadyMember) {
		return nil, err
	}
	return m.VerifyJoined(ctx, id, p, c)
}

// VerifyJoined waits the settle delay, re-reads the session and re-applies
// the join once when the participant is not visible yet. It returns the last
// session read.
func (m *Manager) VerifyJoined(ctx context.Context, id string, p models.Participant, c models.Combatant) (*models.BattleSession, error) {
	var latest *models.BattleSession
	err := retry.Ensure(ctx, m.policy,
		func(ctx context.Context) (bool, error) {
			s, err := m.Get(ctx, id)
			if err != nil {
				return false, err
			}
			latest = s
			return s.HasParticipant(p.ID), nil
		},
		func(ctx context.Context) error {
			m.log.WithFields(logrus.Fields{"session": id, "participant": p.ID}).Warn("participant missing after join, retrying")
			_, err := m.Join(ctx, id, p, c)
			if apperr.Is(err, apperr.CodeAlreadyMember) {
				return nil
			}
			return err
		})
	if err != nil {
		return latest, err
	}
	return latest, nil
}

// SubmitMove records a participant's move for the current turn. Moves are
// only accepted in the selection phase of an active session and must target
// the current wave.
func (m *Manager) SubmitMove(ctx context.Context, id string, mv models.Move) (*models.BattleSession, error) {
	return m.Mutate(ctx, id, func(s *models.BattleSession) error {
		if s.Status != models.StatusActive {
			return apperr.New(apperr.CodePreconditionFailed, "This battle is not active")
		}
		if s.Phase != models.PhaseSelection {
			return apperr.New(apperr.CodePreconditionFailed, "Moves can only be chosen during selection")
		}
		if !s.HasParticipant(mv.ParticipantID) {
			return apperr.New(apperr.CodePreconditionFailed, "You are not in this battle")
		}
		if mv.Wave == 0 {
			mv.Wave = s.Wave
		}
		if mv.Wave != s.Wave {
			return apperr.New(apperr.CodePreconditionFailed,
				fmt.Sprintf("move targets wave %d but the battle is on wave %d", mv.Wave, s.Wave))
		}
		mv.Turn = s.TurnCount
		mv.SubmittedAt = m.now().UTC()

		moves := make(map[string]models.Move, len(s.PendingMoves)+1)
		for k, v := range s.PendingMoves {
			moves[k] = v
		}
		moves[mv.ParticipantID] = mv
		s.PendingMoves = moves
		return nil
	})
}

// NewLogEntry builds a log entry stamped with the session's current turn
// and wave.
func NewLogEntry(s *models.BattleSession, kind, msg string, at time.Time) models.LogEntry {
	return models.LogEntry{
		ID:      uuid.NewString(),
		Kind:    kind,
		Turn:    s.TurnCount,
		Wave:    s.Wave,
		Message: msg,
		At:      at,
	}
}
