package models

import "math"

// User is the slice of a player's account the battle layer reads when it
// builds a combat projection. Optional stats are nil when the player has
// never set them.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`

	XP int64 `json:"xp"`

	PowerPoints       *int `json:"powerPoints,omitempty"`
	MaxPowerPoints    *int `json:"maxPowerPoints,omitempty"`
	ShieldStrength    *int `json:"shieldStrength,omitempty"`
	MaxShieldStrength *int `json:"maxShieldStrength,omitempty"`
	VaultHealth       *int `json:"vaultHealth,omitempty"`
	MaxVaultHealth    *int `json:"maxVaultHealth,omitempty"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Level is derived from XP: level n starts at 100*(n-1)^2 XP.
func (u User) Level() int {
	return LevelFromXP(u.XP)
}

// LevelFromXP returns the level reached with xp experience points.
func LevelFromXP(xp int64) int {
	if xp <= 0 {
		return 1
	}
	return 1 + int(math.Sqrt(float64(xp)/100))
}
