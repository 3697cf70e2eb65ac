package battle

import (
	"context"
	"reflect"
	"sync"

	"github.com/jason-s-yu/skirmish/internal/models"
)

// Projections routes the parts of a session to the consumers that render
// them. Each callback fires only when its projection changed since the last
// delivery; nil callbacks are skipped.
type Projections struct {
	Session      func(*models.BattleSession)
	Participants func([]models.Participant)
	Allies       func([]models.Combatant)
	Enemies      func([]models.Combatant)
}

// SubscribeProjections subscribes to session id and fans each update out to
// the non-nil callbacks of p.
func (m *Manager) SubscribeProjections(ctx context.Context, id string, p Projections) (func(), error) {
	var mu sync.Mutex
	var last *models.BattleSession
	return m.Subscribe(ctx, id, func(s *models.BattleSession) {
		mu.Lock()
		prev := last
		last = s
		mu.Unlock()

		if p.Session != nil {
			p.Session(s)
		}
		if p.Participants != nil && (prev == nil || !reflect.DeepEqual(prev.Participants, s.Participants)) {
			p.Participants(s.Participants)
		}
		if p.Allies != nil && (prev == nil || !reflect.DeepEqual(prev.Allies, s.Allies)) {
			p.Allies(s.Allies)
		}
		if p.Enemies != nil && (prev == nil || !reflect.DeepEqual(prev.Enemies, s.Enemies)) {
			p.Enemies(s.Enemies)
		}
	})
}

// Participants returns the mirrored participant list of session id.
func (m *Manager) Participants(id string) []models.Participant {
	s, ok := m.Mirror(id)
	if !ok {
		return nil
	}
	return s.Participants
}

// Allies returns the mirrored ally combatants of session id.
func (m *Manager) Allies(id string) []models.Combatant {
	s, ok := m.Mirror(id)
	if !ok {
		return nil
	}
	return s.Allies
}

// Enemies returns the mirrored enemy combatants of session id.
func (m *Manager) Enemies(id string) []models.Combatant {
	s, ok := m.Mirror(id)
	if !ok {
		return nil
	}
	return s.Enemies
}
