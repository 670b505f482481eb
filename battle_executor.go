package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// finalizeTimeout bounds the ledger write that follows a won claim.
const finalizeTimeout = 10 * time.Second

// ExecutionOutcome is what a caller of the synchronous path observes: either the
// result it produced itself or the state persisted by whoever won the claim.
type ExecutionOutcome struct {
	Challenge *Challenge
	Result    *battle.Result
	// Executed is true only for the caller that ran the simulation.
	Executed bool
}

// BattleExecutor runs accepted challenges to completion in one request.
type BattleExecutor struct {
	ledger   *ChallengeLedger
	preparer *BattlePreparer
	metrics  *Metrics
	// newSource is replaceable in tests.
	newSource func() (battle.Source, error)
	logger    Logger
}

func NewBattleExecutor(ledger *ChallengeLedger, preparer *BattlePreparer, metrics *Metrics, logger Logger) *BattleExecutor {
	return &BattleExecutor{
		ledger:   ledger,
		preparer: preparer,
		metrics:  metrics,
		newSource: func() (battle.Source, error) {
			seed, err := battle.NewSeed()
			if err != nil {
				return nil, err
			}
			return battle.NewSource(seed), nil
		},
		logger: logger.NewSystem("battle-executor"),
	}
}

// Execute resolves the challenge at most once. Callers that lose the claim, or
// arrive after another execution started, get the persisted state instead.
func (e *BattleExecutor) Execute(ctx context.Context, id, callerID string) (*ExecutionOutcome, error) {
	challenge, err := e.ledger.GetForParticipant(ctx, id, callerID)
	if err != nil {
		return nil, err
	}

	switch challenge.Status {
	case ChallengeStatusCompleted, ChallengeStatusInProgress:
		return persistedOutcome(challenge)
	case ChallengeStatusPending:
		return nil, ErrTeamNotSelected
	case ChallengeStatusRejected, ChallengeStatusCancelled:
		return nil, ErrAlreadyResolved
	}

	// Rosters are prepared before the claim so that a bad roster does not leave
	// the challenge stuck in progress.
	challenger, opponent, err := e.preparer.Prepare(ctx, challenge)
	if err != nil {
		return nil, err
	}

	outcome, err := e.run(ctx, challenge, challenger, opponent)
	if errors.Is(err, ErrExecutionInProgress) {
		e.logger.Info("execution claimed by another caller, reading persisted state", "battleID", id)
		current, err := e.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return persistedOutcome(current)
	}
	return outcome, err
}

func (e *BattleExecutor) run(ctx context.Context, challenge *Challenge, challenger, opponent *battle.Team) (*ExecutionOutcome, error) {
	claimed, err := e.ledger.ClaimExecution(ctx, challenge.ID, ExecutionModeAuto)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrExecutionInProgress
	}

	// The claim is held from here on: the battle must be finalized even if the
	// caller goes away, otherwise it stays in progress for good.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	src, err := e.newSource()
	if err != nil {
		return nil, fmt.Errorf("failed to seed battle: %w", err)
	}

	start := time.Now()
	result, err := battle.Resolve(challenger, opponent, src)
	if err != nil {
		// Rosters were validated before the claim, so this is unexpected.
		return nil, fmt.Errorf("failed to resolve battle %s: %w", challenge.ID, err)
	}
	if e.metrics != nil {
		e.metrics.BattlesResolved.WithLabelValues(string(ExecutionModeAuto)).Inc()
		e.metrics.BattleTurns.Observe(float64(result.Turns))
		e.metrics.BattleResolveDuration.Observe(time.Since(start).Seconds())
	}

	finalized, err := e.ledger.Finalize(ctx, challenge.ID, result.WinnerID, result)
	if err != nil {
		return nil, err
	}

	e.logger.Info("battle executed", "battleID", challenge.ID, "winnerID", result.WinnerID, "turns", result.Turns)
	return &ExecutionOutcome{Challenge: finalized, Result: result, Executed: true}, nil
}

// persistedOutcome reads the stored result, which is absent while a battle is
// still in progress.
func persistedOutcome(challenge *Challenge) (*ExecutionOutcome, error) {
	result, err := decodeBattleResult(challenge)
	if err != nil {
		return nil, err
	}
	return &ExecutionOutcome{Challenge: challenge, Result: result}, nil
}

func decodeBattleResult(challenge *Challenge) (*battle.Result, error) {
	if len(challenge.BattleResult) == 0 {
		return nil, nil
	}
	var result battle.Result
	if err := json.Unmarshal(challenge.BattleResult, &result); err != nil {
		return nil, fmt.Errorf("failed to decode battle result of %s: %w", challenge.ID, err)
	}
	return &result, nil
}
