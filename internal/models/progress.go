package models

import "time"

// Progress is a per-user objective record stored at
// progress/<userId>/<objectiveId>. Claimed is the dedup flag for its reward.
type Progress struct {
	ChallengeID  string          `json:"challengeId"`
	UserID       string          `json:"userId"`
	Progress     int             `json:"progress"`
	Completed    bool            `json:"completed"`
	Claimed      bool            `json:"claimed"`
	ClaimedAt    *time.Time      `json:"claimedAt,omitempty"`
	AssignedDate string          `json:"assignedDate,omitempty"`
	ToastShown   map[string]bool `json:"toastShown,omitempty"`
}

// RewardDelta maps a wallet resource ("xp", "powerPoints", ...) to the
// amount it grows by.
type RewardDelta map[string]int64

// Empty reports whether applying d would change nothing.
func (d RewardDelta) Empty() bool {
	for _, v := range d {
		if v != 0 {
			return false
		}
	}
	return true
}

// Wallet is the per-user resource document stored at users/<id>.
type Wallet struct {
	Resources map[string]int64 `json:"resources"`
}
