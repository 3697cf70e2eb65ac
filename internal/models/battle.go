// internal/models/battle.go
package models

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a battle session. It only moves forward:
// lobby -> active -> complete | defeated.
type Status string

const (
	StatusLobby    Status = "lobby"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusDefeated Status = "defeated"
)

// IsTerminal reports whether the session has finished.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusDefeated
}

func (s Status) rank() int {
	switch s {
	case StatusLobby:
		return 0
	case StatusActive:
		return 1
	case StatusComplete, StatusDefeated:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Staying in place is allowed; leaving a terminal status is not.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Phase is the step within the current turn.
type Phase string

const (
	PhaseSelection    Phase = "selection"
	PhaseExecution    Phase = "execution"
	PhaseOpponentTurn Phase = "opponent_turn"
	PhaseVictory      Phase = "victory"
	PhaseDefeat       Phase = "defeat"
)

// Participant is a player seated in the session.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Level       int       `json:"level"`
	IsHost      bool      `json:"isHost,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Move is a participant's pending action for the current turn.
type Move struct {
	ParticipantID string    `json:"participantId"`
	Action        string    `json:"action"`
	TargetID      string    `json:"targetId,omitempty"`
	Wave          int       `json:"wave"`
	Turn          int       `json:"turn"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// TurnLock is the advisory lock a client holds while it mutates shared
// combat state.
type TurnLock struct {
	LockedBy   string    `json:"lockedBy"`
	LockedAt   time.Time `json:"lockedAt"`
	TurnNumber int       `json:"turnNumber"`
}

// Stale reports whether the lock is older than staleAfter at now.
func (l TurnLock) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.LockedAt) >= staleAfter
}

// Log entry kinds.
const (
	LogWaveStart = "wave_start"
	LogVictory   = "victory"
	LogDefeat    = "defeat"
	LogJoin      = "join"
	LogMove      = "move"
)

// LogEntry is one line of the battle log shown to every participant.
type LogEntry struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Turn    int       `json:"turn"`
	Wave    int       `json:"wave"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// WaveTable holds the pre-authored enemy roster for each wave number.
type WaveTable map[int][]Combatant

// Last returns the highest wave number in the table, or 0 when empty.
func (w WaveTable) Last() int {
	last := 0
	for n := range w {
		if n > last {
			last = n
		}
	}
	return last
}

// Roster returns a copy of the roster for wave n.
func (w WaveTable) Roster(n int) ([]Combatant, bool) {
	roster, ok := w[n]
	if !ok || len(roster) == 0 {
		return nil, false
	}
	return CloneCombatants(roster), true
}

// BattleSession is the root aggregate stored at battles/<id>. Every write
// bumps Revision so listeners can discard deliveries older than what they
// have already seen.
type BattleSession struct {
	ID                 string          `json:"id"`
	Status             Status          `json:"status"`
	Phase              Phase           `json:"phase"`
	HostID             string          `json:"hostId"`
	Participants       []Participant   `json:"participants"`
	Allies             []Combatant     `json:"allies"`
	Enemies            []Combatant     `json:"enemies"`
	Wave               int             `json:"wave"`
	MaxWaves           int             `json:"maxWaves"`
	CustomWaves        WaveTable       `json:"customWaves"`
	PendingMoves       map[string]Move `json:"pendingMoves"`
	TurnResolutionLock *TurnLock       `json:"turnResolutionLock,omitempty"`
	BattleLog          []LogEntry      `json:"battleLog"`
	TurnCount          int             `json:"turnCount"`
	RNGSeed            int64           `json:"rngSeed"`
	Revision           int64           `json:"revision"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Normalize recomputes derived fields after a session is decoded.
func (s *BattleSession) Normalize() {
	NormalizeAll(s.Allies)
	NormalizeAll(s.Enemies)
	if s.PendingMoves == nil {
		s.PendingMoves = map[string]Move{}
	}
	if s.CustomWaves == nil {
		s.CustomWaves = WaveTable{}
	}
}

// HasParticipant reports whether id is seated in the session.
func (s *BattleSession) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the seated participant ids in a stable order.
func (s *BattleSession) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
