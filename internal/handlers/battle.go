// internal/handlers/battle.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/invite"
	"github.com/jason-s-yu/skirmish/internal/models"
)

// CreateBattleRequest is the body of POST /battles. The caller is seated as
// host using their profile.
type CreateBattleRequest struct {
	ID          string             `json:"id,omitempty"`
	Enemies     []models.Combatant `json:"enemies,omitempty"`
	Allies      []models.Combatant `json:"allies,omitempty"`
	CustomWaves models.WaveTable   `json:"customWaves,omitempty"`
	MaxWaves    int                `json:"maxWaves,omitempty"`
	RNGSeed     int64              `json:"rngSeed,omitempty"`
}

// CreateBattleHandler creates a session hosted by the caller.
func (s *Server) CreateBattleHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateBattleRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userID := callerID(r)
	profile, err := s.Profiles.Profile(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	host, hostCombatant := invite.Projection(profile)

	sess, err := s.Sessions.CreateSession(r.Context(), req.ID, userID, battle.Config{
		Enemies:       req.Enemies,
		Allies:        req.Allies,
		CustomWaves:   req.CustomWaves,
		MaxWaves:      req.MaxWaves,
		RNGSeed:       req.RNGSeed,
		Host:          &host,
		HostCombatant: &hostCombatant,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetBattleHandler returns the current session document.
func (s *Server) GetBattleHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SendInvitationRequest is the body of POST /battles/{id}/invitations.
type SendInvitationRequest struct {
	ToUserID string `json:"toUserId"`
}

// SendInvitationHandler invites another player to the caller's battle.
func (s *Server) SendInvitationHandler(w http.ResponseWriter, r *http.Request) {
	var req SendInvitationRequest
	if err := decodeBody(r, &req); err != nil || req.ToUserID == "" {
		http.Error(w, "toUserId is required", http.StatusBadRequest)
		return
	}
	battleID := chi.URLParam(r, "id")
	userID := callerID(r)

	sess, err := s.Sessions.Get(r.Context(), battleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !sess.HasParticipant(userID) {
		http.Error(w, "Only participants can invite to this battle", http.StatusForbidden)
		return
	}

	inv, err := s.Invites.Send(r.Context(), battleID, userID, req.ToUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// AcceptInvitationHandler accepts an invitation addressed to the caller.
// An invitation whose battle is gone, full or over is declined and reported
// with 200 and outcome "declined".
func (s *Server) AcceptInvitationHandler(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.loadOwnInvitation(w, r)
	if !ok {
		return
	}
	res, err := s.Invites.Accept(r.Context(), inv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeclineInvitationHandler declines an invitation addressed to the caller.
func (s *Server) DeclineInvitationHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnInvitation(w, r); !ok {
		return
	}
	inv, err := s.Invites.Decline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) loadOwnInvitation(w http.ResponseWriter, r *http.Request) (*models.Invitation, bool) {
	inv, err := s.Invites.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if inv.ToUserID != callerID(r) {
		http.Error(w, "This invitation is not addressed to you", http.StatusForbidden)
		return nil, false
	}
	return inv, true
}

// WalletHandler returns the caller's resource balances.
func (s *Server) WalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.Rewards.Wallet(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}
