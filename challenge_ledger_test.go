package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

type recordedNotification struct {
	userID  string
	event   EventType
	payload any
}

// recordingNotifier captures notifications instead of delivering them.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedNotification
}

func (n *recordingNotifier) Notify(userID string, event EventType, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedNotification{userID: userID, event: event, payload: payload})
	return true
}

func (n *recordingNotifier) For(userID string, event EventType) []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedNotification
	for _, e := range n.events {
		if e.userID == userID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func TestChallengeLedgerCreate(t *testing.T) {
	notifier := &recordingNotifier{}
	env, cleanup := newTestEnv(t, notifier)
	defer cleanup()
	ctx := context.Background()

	t.Run("self challenge", func(t *testing.T) {
		_, _, err := env.ledger.CreateChallenge(ctx, "alice", "alice", 0)
		assert.ErrorIs(t, err, ErrInvalidParticipants)
	})

	t.Run("negative team index", func(t *testing.T) {
		_, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", -1)
		assert.Error(t, err)
	})

	first, created, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, ChallengeStatusPending, first.Status)
	assert.Nil(t, first.OpponentTeamIndex)

	second, created, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, second.ChallengerTeamIndex)

	reverse, created, err := env.ledger.CreateChallenge(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, reverse.ID)

	invites := notifier.For("bob", NewChallengeEventType)
	require.Len(t, invites, 1)
	payload := invites[0].payload.(ChallengeNotification)
	assert.Equal(t, first.ID, payload.BattleID)
	assert.Equal(t, "Alice", payload.FromName)
	assert.Equal(t, "Alice challenged you to a battle!", payload.Message)
}

func TestChallengeLedgerConcurrentCreate(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	createdFlags := make([]bool, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, created, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
			errs[i] = err
			createdFlags[i] = created
			if ch != nil {
				ids[i] = ch.ID
			}
		}()
	}
	wg.Wait()

	createdCount := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if createdFlags[i] {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	var pending int64
	require.NoError(t, env.db.Model(&Challenge{}).Where("status = ?", ChallengeStatusPending).Count(&pending).Error)
	assert.Equal(t, int64(1), pending)
}

func TestChallengeLedgerPendingPairIndex(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()

	require.NoError(t, env.db.Create(&Challenge{ChallengerID: "alice", OpponentID: "bob", Status: ChallengeStatusPending}).Error)
	err := env.db.Create(&Challenge{ChallengerID: "alice", OpponentID: "bob", Status: ChallengeStatusPending}).Error
	require.Error(t, err)

	require.NoError(t, env.db.Create(&Challenge{ChallengerID: "alice", OpponentID: "bob", Status: ChallengeStatusCancelled}).Error)
}

func TestChallengeLedgerAcceptRejectCancel(t *testing.T) {
	notifier := &recordingNotifier{}
	env, cleanup := newTestEnv(t, notifier)
	defer cleanup()
	ctx := context.Background()

	t.Run("accept", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
		require.NoError(t, err)

		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "alice", 0)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "carol", 0)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		_, err = env.ledger.AcceptChallenge(ctx, "missing", "bob", 0)
		assert.ErrorIs(t, err, ErrBattleNotFound)

		accepted, err := env.ledger.AcceptChallenge(ctx, ch.ID, "bob", 0)
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusAccepted, accepted.Status)
		require.NotNil(t, accepted.OpponentTeamIndex)
		assert.Equal(t, 0, *accepted.OpponentTeamIndex)
		assert.NotNil(t, accepted.AcceptedAt)

		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "bob", 0)
		assert.ErrorIs(t, err, ErrAlreadyResolved)
		_, err = env.ledger.CancelChallenge(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		events := notifier.For("alice", ChallengeAcceptedEventType)
		require.Len(t, events, 1)
		assert.Equal(t, "bob", events[0].payload.(ChallengeNotification).FromID)

		// The pair is free again once the challenge left pending.
		_, created, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("reject", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "carol", "bob", 0)
		require.NoError(t, err)

		_, err = env.ledger.RejectChallenge(ctx, ch.ID, "carol")
		assert.ErrorIs(t, err, ErrNotAuthorized)

		rejected, err := env.ledger.RejectChallenge(ctx, ch.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusRejected, rejected.Status)
		assert.Len(t, notifier.For("carol", ChallengeRejectedEventType), 1)

		_, err = env.ledger.RejectChallenge(ctx, ch.ID, "bob")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})

	t.Run("cancel", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "carol", "alice", 0)
		require.NoError(t, err)

		_, err = env.ledger.CancelChallenge(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrNotAuthorized)

		cancelled, err := env.ledger.CancelChallenge(ctx, ch.ID, "carol")
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusCancelled, cancelled.Status)
		assert.Len(t, notifier.For("alice", ChallengeCancelledEventType), 1)

		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "alice", 0)
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})
}

func TestChallengeLedgerTransitionStatus(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	ch, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
	require.NoError(t, err)

	_, err = env.ledger.TransitionStatus(ctx, ch.ID, ChallengeStatusCompleted, ChallengeStatusPending)
	assert.Error(t, err)

	// Precondition does not hold: the challenge is pending, not accepted.
	updated, err := env.ledger.TransitionStatus(ctx, ch.ID, ChallengeStatusInProgress, ChallengeStatusAccepted)
	require.NoError(t, err)
	assert.Nil(t, updated)

	_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "bob", 0)
	require.NoError(t, err)

	claimed, err := env.ledger.ClaimExecution(ctx, ch.ID, ExecutionModeAuto)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, ChallengeStatusInProgress, claimed.Status)
	assert.Equal(t, ExecutionModeAuto, claimed.ExecutionMode)

	again, err := env.ledger.ClaimExecution(ctx, ch.ID, ExecutionModeLive)
	require.NoError(t, err)
	assert.Nil(t, again)

	stored, err := env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionModeAuto, stored.ExecutionMode)
}

func TestChallengeLedgerConcurrentClaim(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	ch := env.acceptedChallenge(t)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mode := ExecutionModeAuto
			if i%2 == 0 {
				mode = ExecutionModeLive
			}
			claimed, err := env.ledger.ClaimExecution(ctx, ch.ID, mode)
			assert.NoError(t, err)
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestChallengeLedgerFinalize(t *testing.T) {
	notifier := &recordingNotifier{}
	env, cleanup := newTestEnv(t, notifier)
	defer cleanup()
	ctx := context.Background()
	ch := env.acceptedChallenge(t)

	result := &battle.Result{
		WinnerSide: battle.SideChallenger,
		WinnerID:   "alice",
		WinnerName: "Alice",
		Turns:      3,
	}

	_, err := env.ledger.Finalize(ctx, ch.ID, "alice", result)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = env.ledger.ClaimExecution(ctx, ch.ID, ExecutionModeAuto)
	require.NoError(t, err)

	finalized, err := env.ledger.Finalize(ctx, ch.ID, "alice", result)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusCompleted, finalized.Status)
	require.NotNil(t, finalized.WinnerID)
	assert.Equal(t, "alice", *finalized.WinnerID)
	assert.NotNil(t, finalized.CompletedAt)

	stored, err := decodeBattleResult(finalized)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 3, stored.Turns)

	_, err = env.ledger.Finalize(ctx, ch.ID, "bob", result)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	for _, user := range []string{"alice", "bob"} {
		events := notifier.For(user, BattleCompletedEventType)
		require.Len(t, events, 1, user)
		payload := events[0].payload.(BattleCompletedNotification)
		assert.Equal(t, "alice", payload.WinnerID)
		assert.Equal(t, 3, payload.Turns)
	}
}

func TestChallengeLedgerListing(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	pending, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	rejected, _, err := env.ledger.CreateChallenge(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	_, err = env.ledger.RejectChallenge(ctx, rejected.ID, "alice")
	require.NoError(t, err)
	_, _, err = env.ledger.CreateChallenge(ctx, "bob", "carol", 0)
	require.NoError(t, err)

	listed, err := env.ledger.ListChallenges(ctx, "alice", "", nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, pending.ID, listed[0].ID)

	listed, err = env.ledger.ListChallenges(ctx, "alice", ChallengeStatusRejected, nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rejected.ID, listed[0].ID)

	listed, err = env.ledger.ListChallenges(ctx, "bob", "", &ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = env.ledger.GetForParticipant(ctx, pending.ID, "carol")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	history, err := env.ledger.History(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChallengeLedgerExpirePending(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	stale, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	fresh, _, err := env.ledger.CreateChallenge(ctx, "bob", "alice", 0)
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&Challenge{}).Where("id = ?", stale.ID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	expired, err := env.ledger.ExpirePending(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, err := env.ledger.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusCancelled, got.Status)

	got, err = env.ledger.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusPending, got.Status)
}
