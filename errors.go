package main

import (
	"errors"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// Client-facing failures of the challenge ledger, the executor and live sessions.
var (
	ErrInvalidParticipants = RPCErrorf("invalid participants: cannot challenge yourself")
	ErrNotAuthorized       = RPCErrorf("not authorized")
	ErrAlreadyResolved     = RPCErrorf("challenge already resolved")
	ErrTeamNotSelected     = RPCErrorf("team not selected")
	ErrEmptyRoster         = RPCError{err: battle.ErrEmptyRoster}
	ErrBattleNotFound      = RPCErrorf("battle not found")
	ErrNotParticipant      = RPCErrorf("not a participant of this battle")
	ErrBattleEnded         = RPCErrorf("battle already ended")
	ErrTurnInProgress      = RPCErrorf("turn already resolving")
	ErrUserNotFound        = RPCErrorf("user not found")
	ErrSessionNotJoined    = RPCErrorf("join the battle before acting")
	ErrAutoExecuted        = RPCErrorf("battle is being resolved automatically")
)

// ErrExecutionInProgress signals a lost execution claim. Callers turn it into a
// read of the persisted state instead of reporting it.
var ErrExecutionInProgress = errors.New("execution in progress")

// isEmptyRoster matches both the ledger-level and the resolver-level error.
func isEmptyRoster(err error) bool {
	return errors.Is(err, ErrEmptyRoster) || errors.Is(err, battle.ErrEmptyRoster)
}
