package models

// Combatant is the combat-facing view of a player or an enemy.
//
// Health is read from the first present source in the order VaultHealth,
// Health, CurrentPP. Defeated is a projection of the numeric fields and is
// recomputed on every read; it is never trusted as an independent fact.
type Combatant struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	CurrentPP         int    `json:"currentPP"`
	MaxPP             int    `json:"maxPP"`
	ShieldStrength    int    `json:"shieldStrength"`
	MaxShieldStrength int    `json:"maxShieldStrength"`
	Level             int    `json:"level"`
	Health            *int   `json:"health,omitempty"`
	VaultHealth       *int   `json:"vaultHealth,omitempty"`
	MaxVaultHealth    *int   `json:"maxVaultHealth,omitempty"`
	Defeated          bool   `json:"isDefeated"`
}

// HealthValue returns the combatant's current health source.
func (c Combatant) HealthValue() int {
	switch {
	case c.VaultHealth != nil:
		return *c.VaultHealth
	case c.Health != nil:
		return *c.Health
	}
	return c.CurrentPP
}

// IsDefeated is true when both health and shield are exhausted.
func (c Combatant) IsDefeated() bool {
	return c.HealthValue() <= 0 && c.ShieldStrength <= 0
}

// Normalize overwrites the Defeated projection from the numeric fields.
func (c *Combatant) Normalize() {
	c.Defeated = c.IsDefeated()
}

// NormalizeAll normalizes every combatant in place.
func NormalizeAll(cs []Combatant) {
	for i := range cs {
		cs[i].Normalize()
	}
}

// CloneCombatants returns a deep copy of cs with projections recomputed.
func CloneCombatants(cs []Combatant) []Combatant {
	if cs == nil {
		return nil
	}
	out := make([]Combatant, len(cs))
	for i, c := range cs {
		c.Health = cloneInt(c.Health)
		c.VaultHealth = cloneInt(c.VaultHealth)
		c.MaxVaultHealth = cloneInt(c.MaxVaultHealth)
		c.Normalize()
		out[i] = c
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
