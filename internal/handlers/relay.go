// internal/handlers/relay.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/middleware"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/wave"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "battle"

const (
	writeTimeout  = 5 * time.Second
	outboundQueue = 64
)

// ClientMessage is a message read from a battle websocket.
type ClientMessage struct {
	Type string `json:"type"`

	// Action and TargetID describe a submit_move.
	Action   string `json:"action,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	// Wave is the wave the move was chosen for. Zero means the current one.
	Wave int `json:"wave,omitempty"`
}

// ServerMessage is a message written to a battle websocket.
type ServerMessage struct {
	Type    string                `json:"type"`
	Session *models.BattleSession `json:"session,omitempty"`
	Code    apperr.Code           `json:"code,omitempty"`
	Message string                `json:"message,omitempty"`
}

// relayConn serializes writes to one websocket through a single writer.
type relayConn struct {
	c     *websocket.Conn
	out   chan []byte
	ended chan struct{}
	log   logrus.FieldLogger
}

// send queues msg. A client too slow to keep up loses messages rather than
// stalling the subscription that feeds every listener.
func (rc *relayConn) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		rc.log.Errorf("marshal %s message: %v", msg.Type, err)
		return
	}
	select {
	case rc.out <- data:
	default:
		rc.log.Warnf("outbound queue full, dropping %s message", msg.Type)
	}
}

func (rc *relayConn) sendError(err error) {
	rc.send(ServerMessage{Type: "error", Code: apperr.CodeOf(err), Message: apperr.UserMessage(err)})
}

func (rc *relayConn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return rc.c.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the outbound queue until ctx is done. Once the battle has
// ended it flushes what is queued and closes the connection with
// BattleEndedError.
func (rc *relayConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-rc.out:
			if err := rc.write(data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-rc.ended:
			if err := rc.flush(); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			rc.c.Close(BattleEndedError, "The battle has ended.")
			return nil
		}
	}
}

func (rc *relayConn) flush() error {
	for {
		select {
		case data := <-rc.out:
			if err := rc.write(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// BattleWSHandler relays a session to one participant. It pushes every
// observed session state as session_update and runs a wave engine for the
// connection. The caller must already be seated in the battle.
func (s *Server) BattleWSHandler(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "id")
	userID := callerID(r)

	sess, err := s.Sessions.Get(r.Context(), battleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !sess.HasParticipant(userID) {
		http.Error(w, "You are not in this battle", http.StatusForbidden)
		return
	}
	if sess.Status.IsTerminal() {
		http.Error(w, "This battle has already ended", http.StatusGone)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error for battle %s: %v", battleID, err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

	if c.Subprotocol() != Subprotocol {
		s.Logger.Warnf("client for battle %s connected with invalid subprotocol %q", battleID, c.Subprotocol())
		c.Close(BadSubprotocolError, "Client must use the 'battle' subprotocol.")
		return
	}
	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, battleID, userID)

	log := s.Logger.WithFields(logrus.Fields{"session": battleID, "user": userID})
	rc := &relayConn{c: c, out: make(chan []byte, outboundQueue), ended: make(chan struct{}), log: log}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	engine := s.newEngine(battleID, userID, rc, log)
	unsubscribe, err := s.Sessions.Subscribe(ctx, battleID, func(snap *models.BattleSession) {
		rc.send(ServerMessage{Type: "session_update", Session: snap})
		engine.Observe(snap)
	})
	if err != nil {
		log.Errorf("subscribe: %v", err)
		c.Close(websocket.StatusInternalError, "Could not follow this battle.")
		return
	}
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return rc.writeLoop(gctx) })

	readErr := s.readBattleMessages(gctx, rc, battleID, userID, engine)
	cancel()
	if err := g.Wait(); err != nil {
		log.Debugf("relay stopped: %v", err)
	}
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, battleID, userID, readErr)
}

// newEngine builds the wave engine for one connection. Terminal outcomes
// are pushed to the client, archived, and end the connection; a victory also
// credits the connected user's battle reward.
func (s *Server) newEngine(battleID, userID string, rc *relayConn, log logrus.FieldLogger) *wave.Engine {
	var once sync.Once
	end := func(sess *models.BattleSession, kind string) {
		rc.send(ServerMessage{Type: kind, Session: sess})
		s.archive(sess, log)
		once.Do(func() { close(rc.ended) })
	}

	return wave.New(battleID, userID+"/"+uuid.NewString(), s.Sessions, s.Locks,
		wave.WithThrottle(s.WaveThrottle),
		wave.WithLogger(log),
		wave.WithHooks(wave.Hooks{
			OnWaveAdvanced: func(sess *models.BattleSession) {
				rc.send(ServerMessage{Type: "wave_advanced", Session: sess})
			},
			OnVictory: func(sess *models.BattleSession) {
				s.grantVictory(sess, userID, log)
				end(sess, "battle_victory")
			},
			OnDefeat: func(sess *models.BattleSession) {
				end(sess, "battle_defeat")
			},
		}),
	)
}

func (s *Server) grantVictory(sess *models.BattleSession, userID string, log logrus.FieldLogger) {
	if s.Rewards == nil || !sess.HasParticipant(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	granted, err := s.Rewards.GrantBattleVictory(ctx, userID, sess.ID, s.victoryReward())
	if err != nil {
		log.Errorf("grant battle reward: %v", err)
		return
	}
	if granted {
		log.Info("battle reward granted")
	}
}

func (s *Server) archive(sess *models.BattleSession, log logrus.FieldLogger) {
	if s.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Archive.Publish(ctx, models.NewArchiveRecord(sess)); err != nil {
		log.Warnf("archive publish failed: %v", err)
	}
}

// readBattleMessages handles client messages until the connection closes.
func (s *Server) readBattleMessages(ctx context.Context, rc *relayConn, battleID, userID string, engine *wave.Engine) error {
	for {
		msgType, data, err := rc.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				status == BattleEndedError || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			rc.log.Warnf("ignoring non-text message type %d", msgType)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rc.send(ServerMessage{Type: "error", Code: apperr.CodePreconditionFailed, Message: "Invalid JSON format."})
			continue
		}

		switch msg.Type {
		case "submit_move":
			_, err := s.Sessions.SubmitMove(ctx, battleID, models.Move{
				ParticipantID: userID,
				Action:        msg.Action,
				TargetID:      msg.TargetID,
				Wave:          msg.Wave,
			})
			s.reportError(rc, err)

		case "advance":
			sess, err := s.Sessions.Get(ctx, battleID)
			if err == nil {
				_, err = engine.AdvanceIfNeeded(ctx, sess)
			}
			s.reportError(rc, err)

		case "ping":
			rc.send(ServerMessage{Type: "pong"})

		default:
			rc.send(ServerMessage{Type: "error", Code: apperr.CodePreconditionFailed,
				Message: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
	}
}

// reportError tells the client why its request failed. Store client faults
// are logged only.
func (s *Server) reportError(rc *relayConn, err error) {
	switch {
	case err == nil:
	case apperr.Is(err, apperr.CodeStoreInternal):
		rc.log.Warnf("store fault: %v", err)
	default:
		rc.sendError(err)
	}
}
