package invite

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/retry"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Protocol, *battle.Manager, *store.MemoryStore) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	m := battle.NewManager(st, battle.WithLogger(log), battle.WithRetryPolicy(retry.Policy{
		SettleDelay: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxTries: 2,
	}))
	_, err := m.CreateSession(context.Background(), "b1", "host", battle.Config{
		Enemies: []models.Combatant{{ID: "e1", Name: "Drone", CurrentPP: 10, MaxPP: 10}},
		Host:    &models.Participant{ID: "host", DisplayName: "Host"},
	})
	require.NoError(t, err)

	profiles := ProfileMap{}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("u%d", i)
		profiles[id] = models.User{ID: id, Username: id, XP: 400}
	}
	return New(st, m, profiles, WithLogger(log)), m, st
}

func TestAcceptJoinsBattle(t *testing.T) {
	p, m, _ := setup(t)
	ctx := context.Background()

	inv, err := p.Send(ctx, "b1", "host", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationPending, inv.Status)

	res, err := p.Accept(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeJoined, res.Outcome)
	assert.Equal(t, models.InvitationAccepted, res.Invitation.Status)
	require.NotNil(t, res.Invitation.AcceptedAt)

	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, s.HasParticipant("u1"))
	for _, part := range s.Participants {
		if part.ID == "u1" {
			assert.Equal(t, 3, part.Level, "400 xp is level 3")
		}
	}

	stored, err := p.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, stored.Status)
}

func TestAcceptMissingBattleDeclines(t *testing.T) {
	p, m, st := setup(t)
	ctx := context.Background()

	inv := &models.Invitation{ID: "i1", BattleID: "gone", FromUserID: "host", ToUserID: "u1", Status: models.InvitationPending}
	require.NoError(t, st.Create(ctx, InvitationPath("i1"), inv))

	res, err := p.Accept(ctx, inv)
	require.NoError(t, err, "a vanished battle is not an error")
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, ReasonBattleGone, res.Reason)

	stored, err := p.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationDeclined, stored.Status)

	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Revision, "no session was touched")
}

func TestAcceptFullBattleDeclines(t *testing.T) {
	p, m, _ := setup(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("u%d", i)
		_, err := m.Join(ctx, "b1", models.Participant{ID: id, DisplayName: id}, models.Combatant{ID: id, CurrentPP: 5})
		require.NoError(t, err)
	}
	inv, err := p.Send(ctx, "b1", "host", "u5")
	require.NoError(t, err)
	before, err := m.Get(ctx, "b1")
	require.NoError(t, err)

	res, err := p.Accept(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, ReasonBattleFull, res.Reason)

	after, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Len(t, after.Participants, 4)
}

func TestAcceptAlreadyMemberAccepts(t *testing.T) {
	p, m, _ := setup(t)
	ctx := context.Background()

	inv, err := p.Send(ctx, "b1", "host", "u1")
	require.NoError(t, err)
	_, err = m.Join(ctx, "b1", models.Participant{ID: "u1", DisplayName: "u1"}, models.Combatant{ID: "u1", CurrentPP: 5})
	require.NoError(t, err)

	res, err := p.Accept(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMember, res.Outcome)
	assert.Equal(t, models.InvitationAccepted, res.Invitation.Status)

	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, s.Participants, 2)
}

func TestAcceptEndedBattleDeclines(t *testing.T) {
	p, m, _ := setup(t)
	ctx := context.Background()

	inv, err := p.Send(ctx, "b1", "host", "u1")
	require.NoError(t, err)
	_, err = m.Mutate(ctx, "b1", func(s *models.BattleSession) error {
		s.Status = models.StatusDefeated
		return nil
	})
	require.NoError(t, err)

	res, err := p.Accept(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, ReasonBattleEnded, res.Reason)
}

func TestResolvedInvitationIsNeverMutated(t *testing.T) {
	p, _, _ := setup(t)
	ctx := context.Background()

	inv, err := p.Send(ctx, "b1", "host", "u1")
	require.NoError(t, err)
	declined, err := p.Decline(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationDeclined, declined.Status)

	_, err = p.Accept(ctx, inv)
	assert.Equal(t, apperr.CodeAlreadyResolved, apperr.CodeOf(err))
	_, err = p.Decline(ctx, inv.ID)
	assert.Equal(t, apperr.CodeAlreadyResolved, apperr.CodeOf(err))

	stored, err := p.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationDeclined, stored.Status)
	assert.Nil(t, stored.AcceptedAt)
}

func TestConcurrentAcceptsRespectCapacity(t *testing.T) {
	p, m, _ := setup(t)
	ctx := context.Background()

	var invs []*models.Invitation
	for i := 1; i <= 6; i++ {
		inv, err := p.Send(ctx, "b1", "host", fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		invs = append(invs, inv)
	}

	var wg sync.WaitGroup
	for _, inv := range invs {
		wg.Add(1)
		go func(inv *models.Invitation) {
			defer wg.Done()
			_, err := p.Accept(ctx, inv)
			if err != nil {
				assert.Equal(t, apperr.CodeBattleFull, apperr.CodeOf(err))
			}
		}(inv)
	}
	wg.Wait()

	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, s.Participants, 4)

	accepted := 0
	for _, inv := range invs {
		stored, err := p.Get(ctx, inv.ID)
		require.NoError(t, err)
		require.True(t, stored.Status.IsTerminal(), "every invitation is resolved")
		if stored.Status == models.InvitationAccepted {
			accepted++
			assert.True(t, s.HasParticipant(stored.ToUserID))
		}
	}
	assert.Equal(t, 3, accepted)
}

func TestProjectionOmitsUnsetStats(t *testing.T) {
	_, c := Projection(&models.User{ID: "u1", Username: "u1"})
	assert.Nil(t, c.VaultHealth)
	assert.Nil(t, c.MaxVaultHealth)
	assert.Equal(t, DefaultPowerPoints, c.CurrentPP)
	assert.False(t, c.Defeated)

	part, c := Projection(&models.User{
		ID: "u2", Username: "u2", DisplayName: "Vera", XP: 100,
		VaultHealth: models.IntPtr(30), MaxVaultHealth: models.IntPtr(50),
		PowerPoints: models.IntPtr(12), MaxPowerPoints: models.IntPtr(40),
	})
	assert.Equal(t, "Vera", part.DisplayName)
	assert.Equal(t, 2, part.Level)
	require.NotNil(t, c.VaultHealth)
	assert.Equal(t, 30, *c.VaultHealth)
	assert.Equal(t, 12, c.CurrentPP)
	assert.Equal(t, 40, c.MaxPP)
}

func TestDeclineDuringAcceptLeavesInviteeUnseated(t *testing.T) {
	p, m, st := setup(t)
	ctx := context.Background()

	inv, err := p.Send(ctx, "b1", "host", "u1")
	require.NoError(t, err)

	// The invitee declines on another device just before the join commits.
	var once sync.Once
	st.SetFault(func(op, path string) error {
		if op == "write" && path == battle.SessionPath("b1") {
			once.Do(func() {
				_, derr := p.Decline(ctx, inv.ID)
				assert.NoError(t, derr)
			})
		}
		return nil
	})

	res, err := p.Accept(ctx, inv)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, apperr.CodeAlreadyResolved, apperr.CodeOf(err))

	st.SetFault(nil)
	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, s.HasParticipant("u1"))

	stored, err := p.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationDeclined, stored.Status)
}

func TestProfileFailureLeavesInvitationPending(t *testing.T) {
	p, m, st := setup(t)
	ctx := context.Background()

	inv := &models.Invitation{ID: "i1", BattleID: "b1", FromUserID: "host", ToUserID: "ghost", Status: models.InvitationPending}
	require.NoError(t, st.Create(ctx, InvitationPath("i1"), inv))

	res, err := p.Accept(ctx, inv)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	stored, err := p.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationPending, stored.Status, "the invitee can retry")

	s, err := m.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, s.HasParticipant("ghost"))
}
