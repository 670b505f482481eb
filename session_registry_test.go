package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordedEvent struct {
	userID string
	method string
	params RPCDataParams
}

// eventRecorder stands in for the socket send of the RPC node.
type eventRecorder struct {
	mu      sync.Mutex
	events  []recordedEvent
	offline map[string]bool
}

func (r *eventRecorder) send(userID, method string, params RPCDataParams) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline[userID] {
		return false
	}
	r.events = append(r.events, recordedEvent{userID: userID, method: method, params: params})
	return true
}

func (r *eventRecorder) count(userID, method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.userID == userID && e.method == method {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(userID, method string) (RPCDataParams, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.userID == userID && e.method == method {
			return e.params, true
		}
	}
	return nil, false
}

func (r *eventRecorder) waitFor(t *testing.T, userID, method string) RPCDataParams {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.count(userID, method) > 0
	}, 3*time.Second, 10*time.Millisecond, "no %s event for %s", method, userID)
	params, _ := r.last(userID, method)
	return params
}

func newTestRegistry(t *testing.T, env *testEnv, conf BattleConfig) (*SessionRegistry, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{offline: map[string]bool{}}
	registry := NewSessionRegistry(conf, env.ledger, env.preparer, env.actions, rec.send, env.metrics, env.logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})
	return registry, rec
}

var fastBattle = BattleConfig{TurnDelay: 10 * time.Millisecond, SessionGracePeriod: 50 * time.Millisecond}

var attack = BattleAction{Type: ActionTypeAttack}

func TestSessionRegistryLiveBattle(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, rec := newTestRegistry(t, env, BattleConfig{TurnDelay: 10 * time.Millisecond, SessionGracePeriod: 500 * time.Millisecond})
	ch := env.acceptedChallenge(t)

	snapshot, err := registry.Join(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusWaiting, snapshot.Status)
	assert.Equal(t, "challenger", snapshot.YourSide)
	assert.Equal(t, 0, snapshot.Turn)
	assert.True(t, snapshot.Challenger.Online)
	assert.False(t, snapshot.Opponent.Online)
	require.Len(t, snapshot.Challenger.Team, 1)
	assert.Equal(t, "Legends", snapshot.Challenger.TeamName)
	assert.Equal(t, 1, rec.count("alice", BattleStateEvent))
	assert.Equal(t, 1, registry.Len())

	claimed, err := env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusInProgress, claimed.Status)
	assert.Equal(t, ExecutionModeLive, claimed.ExecutionMode)

	// The live claim excludes the synchronous path.
	outcome, err := env.executor.Execute(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.False(t, outcome.Executed)
	assert.Nil(t, outcome.Result)

	snapshot, err = registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCollecting, snapshot.Status)
	assert.Equal(t, "opponent", snapshot.YourSide)
	assert.Equal(t, 1, rec.count("alice", ParticipantJoinedEvent))

	ack, err := registry.Submit(ctx, ch.ID, "alice", attack)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Turn)
	assert.Equal(t, "challenger", ack.Side)

	state, err := registry.State(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.True(t, state.Challenger.Pending)
	assert.False(t, state.Opponent.Pending)

	_, err = registry.Submit(ctx, ch.ID, "bob", attack)
	require.NoError(t, err)

	turn := rec.waitFor(t, "bob", TurnResultEvent).(TurnResult)
	assert.Equal(t, 1, turn.Turn)
	assert.True(t, turn.Ended)
	require.NotNil(t, turn.Winner)
	assert.Equal(t, "alice", turn.Winner.UserID)
	assert.NotEmpty(t, turn.Entries)

	ended := rec.waitFor(t, "alice", BattleEndedEvent).(BattleEnded)
	assert.Equal(t, "alice", ended.WinnerID)
	require.NotNil(t, ended.Result)

	require.Eventually(t, func() bool {
		stored, err := env.ledger.Get(ctx, ch.ID)
		return err == nil && stored.Status == ChallengeStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	_, err = registry.Submit(ctx, ch.ID, "alice", attack)
	assert.ErrorIs(t, err, ErrBattleEnded)

	count, err := env.actions.Count(ctx, ch.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The finished session is dropped after the grace period.
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)

	// Joining afterwards serves the persisted outcome.
	snapshot, err = registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, snapshot.Status)
	require.NotNil(t, snapshot.Winner)
	assert.Equal(t, "alice", snapshot.Winner.UserID)
	assert.Equal(t, 2, rec.count("bob", BattleEndedEvent))
}

func TestSessionRegistryJoinRules(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, _ := newTestRegistry(t, env, BattleConfig{TurnDelay: 10 * time.Millisecond, SessionGracePeriod: time.Second})

	t.Run("unknown battle", func(t *testing.T) {
		_, err := registry.Join(ctx, "missing", "alice")
		assert.ErrorIs(t, err, ErrBattleNotFound)
	})

	t.Run("pending", func(t *testing.T) {
		ch, _, err := env.ledger.CreateChallenge(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		_, err = registry.Join(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrTeamNotSelected)

		_, err = env.ledger.RejectChallenge(ctx, ch.ID, "bob")
		require.NoError(t, err)
		_, err = registry.Join(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})

	t.Run("outsider", func(t *testing.T) {
		ch := env.acceptedChallenge(t)
		_, err := registry.Join(ctx, ch.ID, "carol")
		assert.ErrorIs(t, err, ErrNotParticipant)

		stored, err := env.ledger.Get(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, ChallengeStatusAccepted, stored.Status)
	})

	t.Run("auto execution in progress", func(t *testing.T) {
		ch := env.acceptedChallenge(t)
		_, err := env.ledger.ClaimExecution(ctx, ch.ID, ExecutionModeAuto)
		require.NoError(t, err)

		_, err = registry.Join(ctx, ch.ID, "alice")
		assert.ErrorIs(t, err, ErrAutoExecuted)
	})

	t.Run("auto executed", func(t *testing.T) {
		ch := env.acceptedChallenge(t)
		outcome, err := env.executor.Execute(ctx, ch.ID, "alice")
		require.NoError(t, err)
		require.True(t, outcome.Executed)

		snapshot, err := registry.Join(ctx, ch.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, SessionStatusCompleted, snapshot.Status)
		assert.Equal(t, outcome.Result.Turns, snapshot.Turn)

		_, err = registry.Submit(ctx, ch.ID, "alice", attack)
		assert.ErrorIs(t, err, ErrBattleEnded)
	})

	t.Run("submit without session", func(t *testing.T) {
		_, err := registry.Submit(ctx, "missing", "alice", attack)
		assert.ErrorIs(t, err, ErrSessionNotJoined)
		_, err = registry.State(ctx, "missing", "alice")
		assert.ErrorIs(t, err, ErrSessionNotJoined)
	})
}

func TestSessionRegistryConcurrentJoin(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, _ := newTestRegistry(t, env, fastBattle)
	ch := env.acceptedChallenge(t)

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := "alice"
			if i%2 == 1 {
				user = "bob"
			}
			_, err := registry.Join(ctx, ch.ID, user)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, registry.Len())
	state, err := registry.State(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCollecting, state.Status)
}

func TestSessionRegistryTurnInProgress(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, _ := newTestRegistry(t, env, BattleConfig{TurnDelay: 500 * time.Millisecond, SessionGracePeriod: time.Second})
	ch := env.acceptedChallenge(t)

	_, err := registry.Join(ctx, ch.ID, "alice")
	require.NoError(t, err)
	_, err = registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)

	// A repeated submission before the other side acts replaces the first.
	_, err = registry.Submit(ctx, ch.ID, "alice", attack)
	require.NoError(t, err)
	ack, err := registry.Submit(ctx, ch.ID, "alice", BattleAction{Type: ActionTypeAttack, Move: "psychic"})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Turn)

	_, err = registry.Submit(ctx, ch.ID, "bob", attack)
	require.NoError(t, err)

	state, err := registry.State(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusResolving, state.Status)

	_, err = registry.Submit(ctx, ch.ID, "alice", attack)
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestSessionRegistryDisconnect(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, rec := newTestRegistry(t, env, fastBattle)
	ch := env.acceptedChallenge(t)

	_, err := registry.Join(ctx, ch.ID, "alice")
	require.NoError(t, err)
	_, err = registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)

	registry.Disconnect("bob")
	rec.waitFor(t, "alice", ParticipantDisconnectedEvent)

	state, err := registry.State(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusWaiting, state.Status)
	assert.False(t, state.Opponent.Online)

	// Acting while the other side is away is allowed; the turn waits for them.
	_, err = registry.Submit(ctx, ch.ID, "alice", attack)
	require.NoError(t, err)

	registry.Disconnect("alice")
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The battle stays claimed for live play and is rebuilt on the next join.
	stored, err := env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusInProgress, stored.Status)

	snapshot, err := registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusWaiting, snapshot.Status)
	assert.Equal(t, 0, snapshot.Turn)
	assert.False(t, snapshot.Challenger.Pending)
	assert.Equal(t, 1, registry.Len())
}

func TestSessionRegistryShutdown(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, _ := newTestRegistry(t, env, fastBattle)

	for range 3 {
		ch := env.acceptedChallenge(t)
		_, err := registry.Join(ctx, ch.ID, "alice")
		require.NoError(t, err)
		_, err = registry.Join(ctx, ch.ID, "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, registry.Len())

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	assert.Equal(t, 0, registry.Len())
}

func TestSessionRegistryRetriesResultWrite(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	registry, rec := newTestRegistry(t, env, fastBattle)
	registry.deps.saveRetry = 20 * time.Millisecond
	ch := env.acceptedChallenge(t)

	var offline atomic.Bool
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:ledger_offline", func(tx *gorm.DB) {
		if offline.Load() && tx.Statement.Table == "battle_challenges" {
			tx.AddError(errors.New("database unavailable"))
		}
	}))

	_, err := registry.Join(ctx, ch.ID, "alice")
	require.NoError(t, err)
	_, err = registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)

	offline.Store(true)
	_, err = registry.Submit(ctx, ch.ID, "alice", attack)
	require.NoError(t, err)
	_, err = registry.Submit(ctx, ch.ID, "bob", attack)
	require.NoError(t, err)

	notice := rec.waitFor(t, "alice", SessionErrorEvent).(SessionErrorNotice)
	assert.Equal(t, ch.ID, notice.BattleID)

	// Past the grace period the unsaved session is still held and serves the
	// outcome it computed.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())
	snapshot, err := registry.Join(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, snapshot.Status)
	require.NotNil(t, snapshot.Winner)
	assert.Equal(t, "alice", snapshot.Winner.UserID)

	stored, err := env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ChallengeStatusInProgress, stored.Status)

	offline.Store(false)
	require.Eventually(t, func() bool {
		stored, err := env.ledger.Get(ctx, ch.ID)
		return err == nil && stored.Status == ChallengeStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	stored, err = env.ledger.Get(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WinnerID)
	assert.Equal(t, "alice", *stored.WinnerID)
	assert.Equal(t, 1, rec.count("alice", SessionErrorEvent))

	require.Eventually(t, func() bool { return registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}
