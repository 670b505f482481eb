package main

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

func TestBattleExecutorExecute(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	env.executor.newSource = func() (battle.Source, error) {
		return battle.NewSequenceSource(0.5), nil
	}

	ch := env.acceptedChallenge(t)

	outcome, err := env.executor.Execute(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.True(t, outcome.Executed)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, battle.SideChallenger, outcome.Result.WinnerSide)
	assert.Equal(t, "alice", outcome.Result.WinnerID)
	assert.Equal(t, "Alice", outcome.Result.WinnerName)
	assert.Equal(t, 1, outcome.Result.Turns)
	assert.Equal(t, 1, outcome.Result.Team1Remaining)
	assert.Equal(t, 0, outcome.Result.Team2Remaining)

	assert.Equal(t, ChallengeStatusCompleted, outcome.Challenge.Status)
	assert.Equal(t, ExecutionModeAuto, outcome.Challenge.ExecutionMode)
	require.NotNil(t, outcome.Challenge.WinnerID)
	assert.Equal(t, "alice", *outcome.Challenge.WinnerID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BattlesResolved.WithLabelValues("auto")))

	again, err := env.executor.Execute(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.False(t, again.Executed)
	require.NotNil(t, again.Result)
	assert.Equal(t, outcome.Result.Turns, again.Result.Turns)
	assert.Equal(t, outcome.Result.WinnerID, again.Result.WinnerID)
	assert.Len(t, again.Result.Log, len(outcome.Result.Log))

	_, err = env.executor.Execute(ctx, ch.ID, "carol")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestBattleExecutorExecutesOnce(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	ch := env.acceptedChallenge(t)

	const callers = 8
	outcomes := make([]*ExecutionOutcome, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caller := "alice"
			if i%2 == 1 {
				caller = "bob"
			}
			outcomes[i], errs[i] = env.executor.Execute(ctx, ch.ID, caller)
		}()
	}
	wg.Wait()

	executed := 0
	for i := range callers {
		require.NoError(t, errs[i])
		if outcomes[i].Executed {
			executed++
			continue
		}
		status := outcomes[i].Challenge.Status
		assert.True(t, status == ChallengeStatusCompleted || status == ChallengeStatusInProgress, "unexpected status %s", status)
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BattlesResolved.WithLabelValues("auto")))

	stored, err := env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusCompleted, stored.Status)
}

func TestBattleExecutorRejectsUnplayable(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
		require.NoError(t, err)

		_, err = env.executor.Execute(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrTeamNotSelected)

		_, err = env.ledger.CancelChallenge(ctx, ch.ID, "alice")
		require.NoError(t, err)
		_, err = env.executor.Execute(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})

	t.Run("missing team", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "alice", "carol", 0)
		require.NoError(t, err)
		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "carol", 0)
		require.NoError(t, err)

		_, err = env.executor.Execute(ctx, ch.ID, "carol")
		assert.ErrorIs(t, err, ErrTeamNotSelected)

		// A failed preparation leaves the challenge playable.
		stored, err := env.ledger.Get(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusAccepted, stored.Status)
	})

	t.Run("empty roster", func(t *testing.T) {
		seedTeam(t, env.db, "carol", "Nobody", `[]`)
		ch, _, err := env.ledger.CreateChallenge(ctx, "carol", "bob", 0)
		require.NoError(t, err)
		_, err = env.ledger.AcceptChallenge(ctx, ch.ID, "bob", 0)
		require.NoError(t, err)

		_, err = env.executor.Execute(ctx, ch.ID, "bob")
		assert.True(t, isEmptyRoster(err), "got %v", err)

		stored, err := env.ledger.Get(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusAccepted, stored.Status)
	})
}

func TestBattleExecutorFinishesAfterCallerLeaves(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ch := env.acceptedChallenge(t)

	// The request context is cancelled right after the claim is won.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.executor.newSource = func() (battle.Source, error) {
		cancel()
		return battle.NewSequenceSource(0.5), nil
	}

	outcome, err := env.executor.Execute(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.True(t, outcome.Executed)
	assert.Equal(t, ChallengeStatusCompleted, outcome.Challenge.Status)

	again, err := env.executor.Execute(context.Background(), ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusCompleted, again.Challenge.Status)
	require.NotNil(t, again.Result)
	assert.Equal(t, "alice", again.Result.WinnerID)
}
