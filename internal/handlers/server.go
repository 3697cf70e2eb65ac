// internal/handlers/server.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/auth"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/invite"
	"github.com/jason-s-yu/skirmish/internal/middleware"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/reward"
	"github.com/jason-s-yu/skirmish/internal/turnlock"
	"github.com/sirupsen/logrus"
)

// Archiver receives the summary of every session that ends while a client
// is connected to it.
type Archiver interface {
	Publish(ctx context.Context, rec models.ArchiveRecord) error
}

// DefaultVictoryReward is credited to each participant of a won battle.
var DefaultVictoryReward = models.RewardDelta{"xp": 100}

// Server wires the battle components to HTTP and WebSocket clients.
type Server struct {
	Sessions *battle.Manager
	Locks    *turnlock.Coordinator
	Invites  *invite.Protocol
	Rewards  *reward.Grantor
	Profiles invite.ProfileSource
	Archive  Archiver
	Issuer   *auth.Issuer
	Logger   logrus.FieldLogger

	WaveThrottle  time.Duration
	VictoryReward models.RewardDelta
}

// Routes returns the router for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LogMiddleware(s.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser(s.Issuer, s.Logger))

		r.Post("/battles", s.CreateBattleHandler)
		r.Get("/battles/{id}", s.GetBattleHandler)
		r.Post("/battles/{id}/invitations", s.SendInvitationHandler)
		r.Get("/battles/{id}/ws", s.BattleWSHandler)

		r.Post("/invitations/{id}/accept", s.AcceptInvitationHandler)
		r.Post("/invitations/{id}/decline", s.DeclineInvitationHandler)

		r.Get("/wallet", s.WalletHandler)
	})
	return r
}

func (s *Server) victoryReward() models.RewardDelta {
	if s.VictoryReward != nil {
		return s.VictoryReward
	}
	return DefaultVictoryReward
}

// statusFor maps an error code to the HTTP status a client sees.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePreconditionFailed, apperr.CodeBattleFull, apperr.CodeAlreadyMember,
		apperr.CodeAlreadyResolved, apperr.CodeWaveMissing, apperr.CodeLockHeld:
		return http.StatusConflict
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.Logger.WithField("path", r.URL.Path).Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Code: code, Message: apperr.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func callerID(r *http.Request) string {
	id, _ := auth.UserFrom(r.Context())
	return id
}
