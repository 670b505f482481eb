package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBattleActionLog(t *testing.T) {
	env, cleanup := newTestEnv(t, nil)
	defer cleanup()
	ctx := context.Background()
	ch := env.acceptedChallenge(t)
	other := env.acceptedChallenge(t)

	log := env.actions
	require.NoError(t, log.Record(ctx, ch.ID, "alice", BattleAction{Type: ActionTypeAttack, Move: "psychic"}, 1))
	require.NoError(t, log.Record(ctx, ch.ID, "bob", BattleAction{Type: ActionTypeAttack}, 1))
	require.NoError(t, log.Record(ctx, ch.ID, "alice", BattleAction{Type: ActionTypeAttack}, 2))
	require.NoError(t, log.Record(ctx, other.ID, "alice", BattleAction{Type: ActionTypeAttack}, 1))

	records, err := log.List(ctx, ch.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []int{1, 1, 2}, []int{records[0].TurnNumber, records[1].TurnNumber, records[2].TurnNumber})
	assert.Equal(t, "alice", records[0].UserID)
	assert.Equal(t, ActionTypeAttack, records[0].ActionType)

	var action BattleAction
	require.NoError(t, json.Unmarshal(records[0].ActionData, &action))
	assert.Equal(t, "psychic", action.Move)

	alice := "alice"
	records, err = log.List(ctx, ch.ID, &alice, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	desc := SortTypeDescending
	records, err = log.List(ctx, ch.ID, nil, &ListOptions{Limit: 1, Sort: &desc})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].TurnNumber)

	count, err := log.Count(ctx, ch.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	count, err = log.Count(ctx, ch.ID, &alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
