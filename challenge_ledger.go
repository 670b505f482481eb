package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// allowedTransitions lists the legal status moves. Terminal statuses have no entry.
var allowedTransitions = map[ChallengeStatus][]ChallengeStatus{
	ChallengeStatusPending:    {ChallengeStatusAccepted, ChallengeStatusRejected, ChallengeStatusCancelled},
	ChallengeStatusAccepted:   {ChallengeStatusInProgress},
	ChallengeStatusInProgress: {ChallengeStatusCompleted},
}

func canTransition(from, to ChallengeStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChallengeLedger owns the lifecycle of challenge records. Every status change
// is a conditional update on the current status, so concurrent callers in any
// number of processes cannot both win the same transition.
type ChallengeLedger struct {
	db       *gorm.DB
	users    UserDirectory
	notifier Notifier
	logger   Logger
}

// NewChallengeLedger creates a ledger. users and notifier may be nil.
func NewChallengeLedger(db *gorm.DB, users UserDirectory, notifier Notifier, logger Logger) *ChallengeLedger {
	return &ChallengeLedger{
		db:       db,
		users:    users,
		notifier: notifier,
		logger:   logger.NewSystem("challenge-ledger"),
	}
}

// CreateChallenge returns the pending challenge between the ordered pair if one
// exists, otherwise it records a new pending challenge. The boolean reports
// whether a new record was created.
func (l *ChallengeLedger) CreateChallenge(ctx context.Context, challengerID, opponentID string, teamIndex int) (*Challenge, bool, error) {
	if challengerID == "" || opponentID == "" || challengerID == opponentID {
		return nil, false, ErrInvalidParticipants
	}
	if teamIndex < 0 {
		return nil, false, RPCErrorf("invalid team index: %d", teamIndex)
	}

	var challenge *Challenge
	created := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findPendingChallenge(tx, challengerID, opponentID)
		if err != nil {
			return err
		}
		if existing != nil {
			challenge = existing
			return nil
		}

		challenge = &Challenge{
			ChallengerID:        challengerID,
			OpponentID:          opponentID,
			ChallengerTeamIndex: teamIndex,
			Status:              ChallengeStatusPending,
		}
		if err := tx.Create(challenge).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent create won the unique pending-pair index.
		existing, findErr := findPendingChallenge(l.db.WithContext(ctx), challengerID, opponentID)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("pending challenge vanished after duplicate insert: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create challenge: %w", err)
	}

	if created {
		l.logger.Info("challenge created", "battleID", challenge.ID, "challengerID", challengerID, "opponentID", opponentID)
		l.notify(ctx, NewChallengeEventType, challenge, challengerID)
	}
	return challenge, created, nil
}

// AcceptChallenge records the opponent's team and moves the challenge to accepted.
func (l *ChallengeLedger) AcceptChallenge(ctx context.Context, id, callerID string, teamIndex int) (*Challenge, error) {
	if teamIndex < 0 {
		return nil, RPCErrorf("invalid team index: %d", teamIndex)
	}

	challenge, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if challenge.OpponentID != callerID {
		return nil, ErrNotAuthorized
	}
	if challenge.Status != ChallengeStatusPending {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	ok, err := updateChallengeIf(l.db.WithContext(ctx), id, []ChallengeStatus{ChallengeStatusPending}, map[string]any{
		"status":              ChallengeStatusAccepted,
		"opponent_team_index": teamIndex,
		"accepted_at":         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to accept challenge: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}

	challenge.Status = ChallengeStatusAccepted
	challenge.OpponentTeamIndex = &teamIndex
	challenge.AcceptedAt = &now

	l.logger.Info("challenge accepted", "battleID", id, "opponentID", callerID, "teamIndex", teamIndex)
	l.notify(ctx, ChallengeAcceptedEventType, challenge, callerID)
	return challenge, nil
}

// RejectChallenge lets the opponent decline a pending challenge.
func (l *ChallengeLedger) RejectChallenge(ctx context.Context, id, callerID string) (*Challenge, error) {
	return l.closePending(ctx, id, callerID, false, ChallengeStatusRejected, ChallengeRejectedEventType)
}

// CancelChallenge lets the challenger withdraw a pending challenge.
func (l *ChallengeLedger) CancelChallenge(ctx context.Context, id, callerID string) (*Challenge, error) {
	return l.closePending(ctx, id, callerID, true, ChallengeStatusCancelled, ChallengeCancelledEventType)
}

func (l *ChallengeLedger) closePending(ctx context.Context, id, callerID string, byChallenger bool, status ChallengeStatus, event EventType) (*Challenge, error) {
	challenge, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	expectedCaller := challenge.OpponentID
	if byChallenger {
		expectedCaller = challenge.ChallengerID
	}
	if callerID != expectedCaller {
		return nil, ErrNotAuthorized
	}

	updated, err := l.TransitionStatus(ctx, id, status, ChallengeStatusPending)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrAlreadyResolved
	}

	l.logger.Info("challenge closed", "battleID", id, "status", status, "by", callerID)
	l.notify(ctx, event, updated, callerID)
	return updated, nil
}

// TransitionStatus moves the challenge to newStatus only if its current status
// equals required. It returns the updated record, or nil when the precondition
// did not hold.
func (l *ChallengeLedger) TransitionStatus(ctx context.Context, id string, newStatus, required ChallengeStatus) (*Challenge, error) {
	return l.transition(ctx, id, newStatus, required, nil)
}

// ClaimExecution atomically moves an accepted challenge to in_progress on behalf
// of one execution path. It returns nil when another caller claimed it first.
func (l *ChallengeLedger) ClaimExecution(ctx context.Context, id string, mode ExecutionMode) (*Challenge, error) {
	return l.transition(ctx, id, ChallengeStatusInProgress, ChallengeStatusAccepted, map[string]any{
		"execution_mode": mode,
	})
}

func (l *ChallengeLedger) transition(ctx context.Context, id string, newStatus, required ChallengeStatus, extra map[string]any) (*Challenge, error) {
	if !canTransition(required, newStatus) {
		return nil, RPCErrorf("invalid status transition: %s -> %s", required, newStatus)
	}

	updates := map[string]any{"status": newStatus}
	for k, v := range extra {
		updates[k] = v
	}

	db := l.db.WithContext(ctx)
	ok, err := updateChallengeIf(db, id, []ChallengeStatus{required}, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update challenge status: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return getChallenge(db, id)
}

// Finalize records the outcome of a battle claimed through ClaimExecution.
// It fails with ErrAlreadyResolved unless the challenge is in progress.
func (l *ChallengeLedger) Finalize(ctx context.Context, id, winnerID string, result *battle.Result) (*Challenge, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal battle result: %w", err)
	}

	db := l.db.WithContext(ctx)
	ok, err := updateChallengeIf(db, id, []ChallengeStatus{ChallengeStatusInProgress}, map[string]any{
		"status":        ChallengeStatusCompleted,
		"winner_id":     winnerID,
		"battle_result": datatypes.JSON(payload),
		"completed_at":  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize challenge: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}

	challenge, err := getChallenge(db, id)
	if err != nil {
		return nil, err
	}

	l.logger.Info("battle finalized", "battleID", id, "winnerID", winnerID, "turns", result.Turns, "mode", challenge.ExecutionMode)
	notifyAll(l.notifier, NewBattleCompletedNotifications(challenge, winnerID, result.WinnerName, result.Turns)...)
	return challenge, nil
}

// Get loads a challenge by id.
func (l *ChallengeLedger) Get(ctx context.Context, id string) (*Challenge, error) {
	return getChallenge(l.db.WithContext(ctx), id)
}

// GetForParticipant loads a challenge and checks that the user takes part in it.
func (l *ChallengeLedger) GetForParticipant(ctx context.Context, id, userID string) (*Challenge, error) {
	challenge, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !challenge.HasParticipant(userID) {
		return nil, ErrNotAuthorized
	}
	return challenge, nil
}

// ListChallenges returns the user's open and completed challenges, newest first.
// A non-empty status narrows the listing.
func (l *ChallengeLedger) ListChallenges(ctx context.Context, userID string, status ChallengeStatus, options *ListOptions) ([]Challenge, error) {
	statuses := []ChallengeStatus{
		ChallengeStatusPending,
		ChallengeStatusAccepted,
		ChallengeStatusInProgress,
		ChallengeStatusCompleted,
	}
	if status != "" {
		statuses = []ChallengeStatus{status}
	}
	return listChallenges(l.db.WithContext(ctx), userID, statuses, sortByCreatedAt, options)
}

// History returns the user's completed battles, most recently finished first.
func (l *ChallengeLedger) History(ctx context.Context, userID string, options *ListOptions) ([]Challenge, error) {
	return listChallenges(l.db.WithContext(ctx), userID, []ChallengeStatus{ChallengeStatusCompleted}, sortByCompletedAt, options)
}

// ExpirePending cancels pending challenges created before the cutoff and
// returns how many were cancelled.
func (l *ChallengeLedger) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Challenge{}).
		Where("status = ? AND created_at < ?", ChallengeStatusPending, cutoff).
		Updates(map[string]any{
			"status":     ChallengeStatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire pending challenges: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (l *ChallengeLedger) notify(ctx context.Context, event EventType, challenge *Challenge, actorID string) {
	if l.notifier == nil {
		return
	}
	notifyAll(l.notifier, NewChallengeEventNotification(event, challenge, actorID, displayName(ctx, l.users, actorID)))
}
