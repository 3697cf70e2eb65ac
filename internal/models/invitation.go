package models

import "time"

// InvitationStatus is pending until the invitee (or a validity check made
// during acceptance) resolves it exactly once.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
)

// IsTerminal reports whether the invitation has been resolved.
func (s InvitationStatus) IsTerminal() bool {
	return s == InvitationAccepted || s == InvitationDeclined
}

// Invitation is stored at invitations/<id>.
type Invitation struct {
	ID         string           `json:"id"`
	BattleID   string           `json:"battleId"`
	FromUserID string           `json:"fromUserId"`
	ToUserID   string           `json:"toUserId"`
	Status     InvitationStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	AcceptedAt *time.Time       `json:"acceptedAt,omitempty"`
	DeclinedAt *time.Time       `json:"declinedAt,omitempty"`
}
