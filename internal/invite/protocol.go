// Package invite sends battle invitations and resolves them. An invitation
// ends in exactly one of accepted or declined and is never written again
// after that.
package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/sirupsen/logrus"
)

// Stats a combatant starts with when the invitee's profile has none.
const (
	DefaultPowerPoints = 100
	DefaultShield      = 0
)

// User-facing reasons recorded on declined invitations.
const (
	ReasonBattleGone  = "This battle no longer exists"
	ReasonBattleFull  = "This battle is full"
	ReasonBattleEnded = "This battle has already ended"
	ReasonDeclined    = "Invitation declined"
)

// InvitationPath is the store path of an invitation document.
func InvitationPath(id string) string {
	return "invitations/" + id
}

// ProfileSource looks up the invitee's account.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*models.User, error)
}

// ProfileMap is an in-memory ProfileSource.
type ProfileMap map[string]models.User

func (m ProfileMap) Profile(_ context.Context, userID string) (*models.User, error) {
	u, ok := m[userID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "profile not found: "+userID)
	}
	return &u, nil
}

// Outcome is how an accept attempt ended.
type Outcome string

const (
	OutcomeJoined        Outcome = "joined"
	OutcomeAlreadyMember Outcome = "already_member"
	OutcomeDeclined      Outcome = "declined"
)

// Result describes an accept attempt. Reason is set when the invitation was
// declined on the invitee's behalf.
type Result struct {
	Invitation *models.Invitation    `json:"invitation"`
	Session    *models.BattleSession `json:"session,omitempty"`
	Outcome    Outcome               `json:"outcome"`
	Reason     string                `json:"reason,omitempty"`
}

// Protocol resolves invitations against the battle they point at.
type Protocol struct {
	store    store.Store
	sessions *battle.Manager
	profiles ProfileSource
	now      func() time.Time
	log      logrus.FieldLogger
}

// Option configures a Protocol.
type Option func(*Protocol)

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Protocol) { p.log = l }
}

// New returns a Protocol.
func New(st store.Store, sessions *battle.Manager, profiles ProfileSource, opts ...Option) *Protocol {
	p := &Protocol{
		store:    st,
		sessions: sessions,
		profiles: profiles,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Send creates a pending invitation from one user to another for battleID.
func (p *Protocol) Send(ctx context.Context, battleID, fromUserID, toUserID string) (*models.Invitation, error) {
	if fromUserID == "" || toUserID == "" {
		return nil, apperr.New(apperr.CodePreconditionFailed, "both inviter and invitee are required")
	}
	if fromUserID == toUserID {
		return nil, apperr.New(apperr.CodePreconditionFailed, "You cannot invite yourself")
	}
	s, err := p.sessions.Get(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, apperr.New(apperr.CodePreconditionFailed, ReasonBattleEnded)
	}
	if s.HasParticipant(toUserID) {
		return nil, apperr.New(apperr.CodeAlreadyMember, "That player is already in this battle")
	}

	inv := &models.Invitation{
		ID:         uuid.NewString(),
		BattleID:   battleID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Status:     models.InvitationPending,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.Create(ctx, InvitationPath(inv.ID), inv); err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	p.log.WithFields(logrus.Fields{"session": battleID, "invitation": inv.ID, "to": toUserID}).Info("invitation sent")
	return inv, nil
}

// Get reads an invitation.
func (p *Protocol) Get(ctx context.Context, id string) (*models.Invitation, error) {
	var inv models.Invitation
	if err := p.store.Get(ctx, InvitationPath(id), &inv); err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Wrap(apperr.CodeNotFound, "This invitation no longer exists", err)
		}
		return nil, err
	}
	return &inv, nil
}

// Accept seats the invitee in the invited battle.
//
// A battle that is gone, has ended or is full declines the invitation and
// returns a Result with Reason set and a nil error; an invitee who is
// already seated accepts it without joining again. A failed join declines
// the invitation and returns the join error. The seat and the
// pending to accepted transition commit in one transaction, so an invitation
// declined concurrently never leaves the invitee seated.
//
// A profile lookup failure returns the error and leaves the invitation
// pending so the invitee can retry.
//
// After a successful join the session is re-read once the settle delay has
// passed and the join is re-applied when the invitee is not visible yet.
func (p *Protocol) Accept(ctx context.Context, inv *models.Invitation) (*Result, error) {
	current, err := p.Get(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, apperr.New(apperr.CodeAlreadyResolved,
			fmt.Sprintf("This invitation was already %s", current.Status))
	}
	log := p.log.WithFields(logrus.Fields{"session": current.BattleID, "invitation": current.ID, "user": current.ToUserID})

	s, err := p.sessions.Get(ctx, current.BattleID)
	switch {
	case apperr.Is(err, apperr.CodeNotFound):
		return p.decline(ctx, current, nil, ReasonBattleGone)
	case err != nil:
		return nil, err
	case s.Status.IsTerminal():
		return p.decline(ctx, current, s, ReasonBattleEnded)
	case s.HasParticipant(current.ToUserID):
		return p.accept(ctx, current, s, OutcomeAlreadyMember)
	case len(s.Participants) >= p.sessions.Capacity():
		return p.decline(ctx, current, s, ReasonBattleFull)
	}

	profile, err := p.profiles.Profile(ctx, current.ToUserID)
	if err != nil {
		return nil, fmt.Errorf("load profile of %s: %w", current.ToUserID, err)
	}
	participant, combatant := Projection(profile)

	var accepted *models.Invitation
	joined, err := p.sessions.JoinWith(ctx, current.BattleID, participant, combatant, func(tx store.Tx) error {
		inv, err := p.resolveIn(tx, current.ID, models.InvitationAccepted, "")
		accepted = inv
		return err
	})
	if err != nil {
		switch {
		case apperr.Is(err, apperr.CodeAlreadyResolved):
			return nil, err
		case apperr.Is(err, apperr.CodeAlreadyMember):
			return p.accept(ctx, current, s, OutcomeAlreadyMember)
		}
		log.Warnf("join failed, declining invitation: %v", err)
		res, derr := p.decline(ctx, current, s, apperr.UserMessage(err))
		if derr != nil {
			return nil, errors.Join(err, derr)
		}
		return res, err
	}

	res := &Result{Invitation: accepted, Session: joined, Outcome: OutcomeJoined}
	verified, err := p.sessions.VerifyJoined(ctx, current.BattleID, participant, combatant)
	if verified != nil {
		res.Session = verified
	}
	if err != nil {
		log.Warnf("invitee not visible in session after join: %v", err)
		return res, err
	}
	log.Info("invitation accepted")
	return res, nil
}

// Decline resolves a pending invitation as declined by the invitee.
func (p *Protocol) Decline(ctx context.Context, id string) (*models.Invitation, error) {
	inv, err := p.resolve(ctx, id, models.InvitationDeclined, ReasonDeclined)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"session": inv.BattleID, "invitation": id}).Info("invitation declined")
	return inv, nil
}

func (p *Protocol) accept(ctx context.Context, inv *models.Invitation, s *models.BattleSession, outcome Outcome) (*Result, error) {
	resolved, err := p.resolve(ctx, inv.ID, models.InvitationAccepted, "")
	if err != nil {
		return nil, err
	}
	return &Result{Invitation: resolved, Session: s, Outcome: outcome}, nil
}

func (p *Protocol) decline(ctx context.Context, inv *models.Invitation, s *models.BattleSession, reason string) (*Result, error) {
	resolved, err := p.resolve(ctx, inv.ID, models.InvitationDeclined, reason)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"session": inv.BattleID, "invitation": inv.ID}).Infof("invitation auto-declined: %s", reason)
	return &Result{Invitation: resolved, Session: s, Outcome: OutcomeDeclined, Reason: reason}, nil
}

// resolve moves a pending invitation to status. The pending check runs
// inside the transaction so a concurrent resolution wins only once.
func (p *Protocol) resolve(ctx context.Context, id string, status models.InvitationStatus, reason string) (*models.Invitation, error) {
	var out *models.Invitation
	err := p.store.RunTransaction(ctx, func(tx store.Tx) error {
		inv, err := p.resolveIn(tx, id, status, reason)
		out = inv
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveIn stages the transition of a pending invitation to status in tx.
func (p *Protocol) resolveIn(tx store.Tx, id string, status models.InvitationStatus, reason string) (*models.Invitation, error) {
	var inv models.Invitation
	if err := tx.Get(InvitationPath(id), &inv); err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Wrap(apperr.CodeNotFound, "This invitation no longer exists", err)
		}
		return nil, err
	}
	if inv.Status.IsTerminal() {
		return nil, apperr.New(apperr.CodeAlreadyResolved,
			fmt.Sprintf("This invitation was already %s", inv.Status))
	}
	now := p.now().UTC()
	fields := map[string]any{"status": status}
	inv.Status = status
	switch status {
	case models.InvitationAccepted:
		fields["acceptedAt"] = now
		inv.AcceptedAt = &now
	case models.InvitationDeclined:
		fields["declinedAt"] = now
		inv.DeclinedAt = &now
	}
	if reason != "" {
		fields["reason"] = reason
		inv.Reason = reason
	}
	if err := tx.Update(InvitationPath(id), fields); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Projection builds the participant and combatant a user joins a battle
// with. Optional profile stats that were never set stay nil so they are
// omitted from the stored document.
func Projection(u *models.User) (models.Participant, models.Combatant) {
	level := u.Level()
	p := models.Participant{
		ID:          u.ID,
		DisplayName: u.Name(),
		Level:       level,
	}
	c := models.Combatant{
		ID:        u.ID,
		Name:      u.Name(),
		Level:     level,
		CurrentPP: DefaultPowerPoints,
		MaxPP:     DefaultPowerPoints,
	}
	if u.MaxPowerPoints != nil {
		c.MaxPP = *u.MaxPowerPoints
		c.CurrentPP = *u.MaxPowerPoints
	}
	if u.PowerPoints != nil {
		c.CurrentPP = *u.PowerPoints
	}
	c.ShieldStrength = DefaultShield
	if u.ShieldStrength != nil {
		c.ShieldStrength = *u.ShieldStrength
	}
	if u.MaxShieldStrength != nil {
		c.MaxShieldStrength = *u.MaxShieldStrength
	}
	if u.VaultHealth != nil {
		c.VaultHealth = models.IntPtr(*u.VaultHealth)
	}
	if u.MaxVaultHealth != nil {
		c.MaxVaultHealth = models.IntPtr(*u.MaxVaultHealth)
	}
	c.Normalize()
	return p, c
}
