package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/auth"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/invite"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/reward"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/jason-s-yu/skirmish/internal/turnlock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockArchiver records every published archive record.
type mockArchiver struct {
	mu      sync.Mutex
	records []models.ArchiveRecord
}

func (m *mockArchiver) Publish(_ context.Context, rec models.ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockArchiver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fixture struct {
	srv     *Server
	http    *httptest.Server
	issuer  *auth.Issuer
	archive *mockArchiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	sessions := battle.NewManager(st, battle.WithLogger(log))
	profiles := invite.ProfileMap{
		"u0": {ID: "u0", Username: "ash", XP: 100},
		"u1": {ID: "u1", Username: "birch", XP: 400},
		"u2": {ID: "u2", Username: "cedar"},
	}
	iss, err := auth.NewIssuer(time.Hour)
	require.NoError(t, err)
	archive := &mockArchiver{}

	srv := &Server{
		Sessions: sessions,
		Locks:    turnlock.New(sessions, turnlock.WithLogger(log)),
		Invites:  invite.New(st, sessions, profiles, invite.WithLogger(log)),
		Rewards:  reward.New(st, reward.WithLogger(log)),
		Profiles: profiles,
		Archive:  archive,
		Issuer:   iss,
		Logger:   log,
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, issuer: iss, archive: archive}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.issuer.Sign(userID)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func oneWaveBattle(id string) CreateBattleRequest {
	return CreateBattleRequest{
		ID:       id,
		Enemies:  []models.Combatant{{ID: "e1", Name: "Drone", CurrentPP: 10, MaxPP: 10}},
		MaxWaves: 1,
	}
}

func TestCreateAndGetBattle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/battles", "", oneWaveBattle("b1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.BattleSession
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "u0", created.HostID)
	require.Len(t, created.Participants, 1)
	assert.True(t, created.Participants[0].IsHost)
	assert.Equal(t, "ash", created.Participants[0].DisplayName)
	assert.Equal(t, 2, created.Participants[0].Level)
	require.Len(t, created.Allies, 1)
	assert.Equal(t, "u0", created.Allies[0].ID)

	resp, body = f.do(t, http.MethodGet, "/battles/b1", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.BattleSession
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.Revision, got.Revision)

	resp, _ = f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetMissingBattle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/battles/nope", "u0", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, apperr.CodeNotFound, e.Code)
}

func TestInvitationFlow(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/battles/b1/invitations", "u2", SendInvitationRequest{ToUserID: "u1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "non-participants cannot invite")

	resp, body := f.do(t, http.MethodPost, "/battles/b1/invitations", "u0", SendInvitationRequest{ToUserID: "u1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var inv models.Invitation
	require.NoError(t, json.Unmarshal(body, &inv))

	resp, _ = f.do(t, http.MethodPost, "/invitations/"+inv.ID+"/accept", "u2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/invitations/"+inv.ID+"/accept", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res invite.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, invite.OutcomeJoined, res.Outcome)
	require.NotNil(t, res.Session)
	assert.True(t, res.Session.HasParticipant("u1"))

	resp, body = f.do(t, http.MethodPost, "/invitations/"+inv.ID+"/decline", "u1", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, apperr.CodeAlreadyResolved, e.Code)
}

func TestBattleWSRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/battles/b1/ws", "u2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func (f *fixture) dial(t *testing.T, ctx context.Context, battleID, userID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.http.URL, "http://", "ws://", 1) + "/battles/" + battleID + "/ws"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + f.token(t, userID)}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, msgType string) ServerMessage {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %s", msgType)
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func writeMessage(t *testing.T, ctx context.Context, c *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestBattleWSRelaysMovesAndPing(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := f.dial(t, ctx, "b1", "u0")

	first := readUntil(t, ctx, c, "session_update")
	require.NotNil(t, first.Session)
	assert.Equal(t, "b1", first.Session.ID)

	writeMessage(t, ctx, c, ClientMessage{Type: "ping"})
	readUntil(t, ctx, c, "pong")

	writeMessage(t, ctx, c, ClientMessage{Type: "submit_move", Action: "attack", TargetID: "e1"})
	for {
		msg := readUntil(t, ctx, c, "session_update")
		if mv, ok := msg.Session.PendingMoves["u0"]; ok {
			assert.Equal(t, "attack", mv.Action)
			break
		}
	}

	writeMessage(t, ctx, c, ClientMessage{Type: "submit_move", Action: "attack", Wave: 3})
	msg := readUntil(t, ctx, c, "error")
	assert.Equal(t, apperr.CodePreconditionFailed, msg.Code)

	writeMessage(t, ctx, c, ClientMessage{Type: "dance"})
	msg = readUntil(t, ctx, c, "error")
	assert.Contains(t, msg.Message, "dance")
}

func TestBattleWSVictoryGrantsRewardAndCloses(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/battles", "u0", oneWaveBattle("b1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := f.dial(t, ctx, "b1", "u0")
	readUntil(t, ctx, c, "session_update")

	_, err := f.srv.Sessions.Mutate(ctx, "b1", func(s *models.BattleSession) error {
		for i := range s.Enemies {
			s.Enemies[i].CurrentPP = 0
		}
		return nil
	})
	require.NoError(t, err)

	msg := readUntil(t, ctx, c, "battle_victory")
	require.NotNil(t, msg.Session)
	assert.Equal(t, models.StatusComplete, msg.Session.Status)

	for {
		_, _, err = c.Read(ctx)
		if err != nil {
			break
		}
	}
	assert.Equal(t, websocket.StatusCode(BattleEndedError), websocket.CloseStatus(err))

	wallet, err := f.srv.Rewards.Wallet(ctx, "u0")
	require.NoError(t, err)
	assert.EqualValues(t, 100, wallet.Resources["xp"])
	assert.Equal(t, 1, f.archive.count())

	resp, _ = f.do(t, http.MethodGet, "/battles/b1/ws", "u0", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}
