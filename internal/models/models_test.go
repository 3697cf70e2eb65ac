package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombatantHealthPriority(t *testing.T) {
	c := Combatant{CurrentPP: 10, ShieldStrength: 0}
	assert.Equal(t, 10, c.HealthValue())
	assert.False(t, c.IsDefeated())

	c.Health = IntPtr(0)
	assert.Equal(t, 0, c.HealthValue(), "health outranks currentPP")
	assert.True(t, c.IsDefeated())

	c.VaultHealth = IntPtr(5)
	assert.Equal(t, 5, c.HealthValue(), "vault health outranks health")
	assert.False(t, c.IsDefeated())
}

func TestCombatantShieldKeepsAlive(t *testing.T) {
	c := Combatant{CurrentPP: 0, ShieldStrength: 3}
	assert.False(t, c.IsDefeated())
	c.ShieldStrength = 0
	assert.True(t, c.IsDefeated())
}

func TestDefeatedFlagIsRecomputed(t *testing.T) {
	// A stale flag in the wire document does not survive normalization.
	var s BattleSession
	raw := `{"enemies":[{"id":"e1","currentPP":7,"shieldStrength":0,"isDefeated":true}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	s.Normalize()
	assert.False(t, s.Enemies[0].Defeated)
	assert.NotNil(t, s.PendingMoves)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusLobby.CanTransition(StatusActive))
	assert.True(t, StatusActive.CanTransition(StatusComplete))
	assert.True(t, StatusActive.CanTransition(StatusDefeated))
	assert.False(t, StatusActive.CanTransition(StatusLobby))
	assert.False(t, StatusComplete.CanTransition(StatusActive))
	assert.False(t, StatusComplete.CanTransition(StatusDefeated))
	assert.True(t, StatusComplete.CanTransition(StatusComplete))
}

func TestLevelFromXP(t *testing.T) {
	assert.Equal(t, 1, LevelFromXP(0))
	assert.Equal(t, 1, LevelFromXP(99))
	assert.Equal(t, 2, LevelFromXP(100))
	assert.Equal(t, 3, LevelFromXP(400))
	assert.Equal(t, 11, LevelFromXP(10000))
}

func TestWaveTable(t *testing.T) {
	w := WaveTable{2: {{ID: "a", CurrentPP: 5}}, 3: {{ID: "b"}}}
	assert.Equal(t, 3, w.Last())

	roster, ok := w.Roster(2)
	require.True(t, ok)
	roster[0].CurrentPP = 0
	assert.Equal(t, 5, w[2][0].CurrentPP, "roster is a copy")

	_, ok = w.Roster(4)
	assert.False(t, ok)
}

func TestWaveTableJSONKeys(t *testing.T) {
	w := WaveTable{2: {{ID: "a"}}}
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"2":[{"id":"a","name":"","currentPP":0,"maxPP":0,"shieldStrength":0,"maxShieldStrength":0,"level":0,"isDefeated":false}]}`, string(data))

	var back WaveTable
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Len(t, back[2], 1)
}
