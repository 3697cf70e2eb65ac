// Package reward credits players for completed objectives. Each objective
// has a progress record whose claimed flag is the only thing standing
// between a reward and a second payout; the flag check, the flag write and
// the wallet increments commit in one transaction.
package reward

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/sirupsen/logrus"
)

// ProgressPath is the store path of a user's record for one objective.
func ProgressPath(userID, objectiveID string) string {
	return "progress/" + userID + "/" + objectiveID
}

// WalletPath is the store path of a user's resource wallet.
func WalletPath(userID string) string {
	return "users/" + userID
}

// BattleObjective is the objective id of winning session sessionID.
func BattleObjective(sessionID string) string {
	return "battle-" + sessionID
}

// DailyObjective is the objective id of the daily generator credit for day.
func DailyObjective(day time.Time) string {
	return "daily-" + day.UTC().Format(time.DateOnly)
}

// Grant is one reward to apply at most once.
type Grant struct {
	UserID      string
	ObjectiveID string
	Delta       models.RewardDelta
	// RequireCompleted refuses the grant until the progress record is
	// marked completed.
	RequireCompleted bool
	AssignedDate     string
}

// Grantor applies grants against the store.
type Grantor struct {
	store store.Store
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures a Grantor.
type Option func(*Grantor)

func WithClock(now func() time.Time) Option {
	return func(g *Grantor) { g.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Grantor) { g.log = l }
}

// New returns a Grantor backed by st.
func New(st store.Store, opts ...Option) *Grantor {
	g := &Grantor{store: st, now: time.Now, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// GrantOnce applies g.Delta to the user's wallet unless the objective was
// already claimed. It reports whether this call granted the reward.
func (r *Grantor) GrantOnce(ctx context.Context, g Grant) (bool, error) {
	if g.UserID == "" || g.ObjectiveID == "" {
		return false, apperr.New(apperr.CodePreconditionFailed, "grant needs a user and an objective")
	}
	resources := make([]string, 0, len(g.Delta))
	for k, v := range g.Delta {
		if v != 0 {
			resources = append(resources, k)
		}
	}
	sort.Strings(resources)

	var granted bool
	err := r.store.RunTransaction(ctx, func(tx store.Tx) error {
		granted = false
		path := ProgressPath(g.UserID, g.ObjectiveID)
		var p models.Progress
		if err := tx.Get(path, &p); err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			if g.RequireCompleted {
				return apperr.Wrap(apperr.CodeNotFound, "This challenge is not assigned to you", err)
			}
			p = models.Progress{ChallengeID: g.ObjectiveID, UserID: g.UserID, Completed: true}
		}
		if p.Claimed {
			return nil
		}
		if g.RequireCompleted && !p.Completed {
			return apperr.New(apperr.CodePreconditionFailed, "This challenge is not complete yet")
		}

		now := r.now().UTC()
		p.Claimed = true
		p.ClaimedAt = &now
		if g.AssignedDate != "" {
			p.AssignedDate = g.AssignedDate
		}
		if err := tx.Set(path, &p); err != nil {
			return err
		}
		for _, res := range resources {
			if err := tx.Increment(WalletPath(g.UserID), "resources."+res, g.Delta[res]); err != nil {
				return err
			}
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("grant %s to %s: %w", g.ObjectiveID, g.UserID, err)
	}

	log := r.log.WithFields(logrus.Fields{"user": g.UserID, "objective": g.ObjectiveID})
	if granted {
		log.WithField("delta", g.Delta).Info("reward granted")
	} else {
		log.Debug("reward already claimed")
	}
	return granted, nil
}

// ClaimChallenge pays out a completed challenge.
func (r *Grantor) ClaimChallenge(ctx context.Context, userID, challengeID string, delta models.RewardDelta) (bool, error) {
	return r.GrantOnce(ctx, Grant{UserID: userID, ObjectiveID: challengeID, Delta: delta, RequireCompleted: true})
}

// GrantBattleVictory pays out a won session.
func (r *Grantor) GrantBattleVictory(ctx context.Context, userID, sessionID string, delta models.RewardDelta) (bool, error) {
	return r.GrantOnce(ctx, Grant{UserID: userID, ObjectiveID: BattleObjective(sessionID), Delta: delta})
}

// CreditDaily pays out the daily generator credit for day.
func (r *Grantor) CreditDaily(ctx context.Context, userID string, day time.Time, delta models.RewardDelta) (bool, error) {
	return r.GrantOnce(ctx, Grant{
		UserID:       userID,
		ObjectiveID:  DailyObjective(day),
		Delta:        delta,
		AssignedDate: day.UTC().Format(time.DateOnly),
	})
}

// RecordProgress adds amount to a challenge's progress and marks it
// completed once target is reached. Completed challenges stay completed.
func (r *Grantor) RecordProgress(ctx context.Context, userID, challengeID string, amount, target int) (*models.Progress, error) {
	var out models.Progress
	err := r.store.RunTransaction(ctx, func(tx store.Tx) error {
		path := ProgressPath(userID, challengeID)
		var p models.Progress
		if err := tx.Get(path, &p); err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			p = models.Progress{
				ChallengeID:  challengeID,
				UserID:       userID,
				AssignedDate: r.now().UTC().Format(time.DateOnly),
			}
		}
		p.Progress += amount
		if target > 0 && p.Progress >= target {
			p.Completed = true
		}
		out = p
		return tx.Set(path, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("record progress %s for %s: %w", challengeID, userID, err)
	}
	return &out, nil
}

// MarkToastShown records that the reward notification for objectiveID was
// shown on surface and reports whether this call was the first to do so.
func (r *Grantor) MarkToastShown(ctx context.Context, userID, objectiveID, surface string) (bool, error) {
	var first bool
	err := r.store.RunTransaction(ctx, func(tx store.Tx) error {
		first = false
		path := ProgressPath(userID, objectiveID)
		var p models.Progress
		if err := tx.Get(path, &p); err != nil {
			return err
		}
		if p.ToastShown[surface] {
			return nil
		}
		first = true
		return tx.Update(path, map[string]any{"toastShown." + surface: true})
	})
	if err != nil {
		if store.IsNotFound(err) {
			return false, apperr.Wrap(apperr.CodeNotFound, "no reward recorded for "+objectiveID, err)
		}
		return false, err
	}
	return first, nil
}

// Wallet reads the user's resources. A user who was never credited has an
// empty wallet.
func (r *Grantor) Wallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := r.store.Get(ctx, WalletPath(userID), &w); err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if w.Resources == nil {
		w.Resources = map[string]int64{}
	}
	return &w, nil
}
