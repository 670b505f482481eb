package main

import (
	"context"
	"errors"
	"time"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

type SessionStatus string

const (
	SessionStatusWaiting    SessionStatus = "waiting"
	SessionStatusCollecting SessionStatus = "collecting"
	SessionStatusResolving  SessionStatus = "resolving"
	SessionStatusCompleted  SessionStatus = "completed"
)

type ActionType string

const (
	ActionTypeAttack ActionType = "attack"
)

// BattleAction is a participant's choice for the next turn.
type BattleAction struct {
	Type ActionType `json:"type" validate:"required,oneof=attack"`
	Move string     `json:"move,omitempty"`
}

// Server events emitted by a session.
const (
	BattleStateEvent             = "battle_state"
	ActionAcknowledgedEvent      = "action_acknowledged"
	TurnResultEvent              = "turn_result"
	BattleEndedEvent             = "battle_ended"
	ParticipantJoinedEvent       = "participant_joined"
	ParticipantDisconnectedEvent = "participant_disconnected"
	SessionErrorEvent            = "session_error"
)

var errSessionClosed = errors.New("battle session closed")

// sessionDeps are the collaborators shared by every session of a registry.
type sessionDeps struct {
	ledger      *ChallengeLedger
	send        func(userID, method string, params RPCDataParams) bool
	newSource   func() (battle.Source, error)
	metrics     *Metrics
	turnDelay   time.Duration
	gracePeriod time.Duration
	// saveRetry is the first delay before a failed result write is retried.
	saveRetry time.Duration
	onDispose func(s *BattleSession)
	logger    Logger
}

// BattleSession is the live state of one battle. All state is owned by a single
// goroutine that executes commands from the mailbox in order, so the check for
// two pending actions and the start of resolution happen at one point.
type BattleSession struct {
	id         string
	challenge  *Challenge
	deps       sessionDeps
	mailbox    chan func()
	done       chan struct{}
	logger     Logger
	trainers   [2]string
	teamNames  [2]string
	fight      *battle.Battle
	result     *battle.Result
	status     SessionStatus
	present    map[battle.Side]bool
	pending    map[battle.Side]*BattleAction
	turnTimer  *time.Timer
	graceTimer *time.Timer
	saveTimer  *time.Timer
	saves      int
	closed     bool
}

func newBattleSession(challenge *Challenge, deps sessionDeps) *BattleSession {
	s := &BattleSession{
		id:        challenge.ID,
		challenge: challenge,
		deps:      deps,
		mailbox:   make(chan func(), 16),
		done:      make(chan struct{}),
		logger:    deps.logger.With("battleID", challenge.ID),
		present:   make(map[battle.Side]bool),
		pending:   make(map[battle.Side]*BattleAction),
	}
	return s
}

// newLiveSession starts a session that plays the battle turn by turn.
func newLiveSession(challenge *Challenge, challenger, opponent *battle.Team, src battle.Source, deps sessionDeps) (*BattleSession, error) {
	fight, err := battle.New(challenger, opponent, src)
	if err != nil {
		return nil, err
	}

	s := newBattleSession(challenge, deps)
	s.fight = fight
	s.status = SessionStatusWaiting
	s.trainers = [2]string{challenger.Trainer, opponent.Trainer}
	s.teamNames = [2]string{challenger.Name, opponent.Name}
	go s.run()
	return s, nil
}

// newCompletedSession serves the persisted outcome of a finished battle.
func newCompletedSession(challenge *Challenge, result *battle.Result, deps sessionDeps) *BattleSession {
	s := newBattleSession(challenge, deps)
	s.result = result
	s.status = SessionStatusCompleted
	go s.run()
	s.post(s.scheduleDisposal)
	return s
}

func (s *BattleSession) ID() string {
	return s.id
}

// Done is closed once the session has been disposed.
func (s *BattleSession) Done() <-chan struct{} {
	return s.done
}

func (s *BattleSession) run() {
	defer close(s.done)
	for fn := range s.mailbox {
		fn()
		if s.closed {
			return
		}
	}
}

// do executes fn on the session goroutine and waits for its error.
func (s *BattleSession) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case s.mailbox <- func() { errCh <- fn() }:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-s.done:
		// The command may have been the last one the session ran.
		select {
		case err := <-errCh:
			return err
		default:
			return errSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting. It is a no-op once the session is closed.
func (s *BattleSession) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

func (s *BattleSession) sideOf(userID string) (battle.Side, bool) {
	switch userID {
	case s.challenge.ChallengerID:
		return battle.SideChallenger, true
	case s.challenge.OpponentID:
		return battle.SideOpponent, true
	default:
		return 0, false
	}
}

func (s *BattleSession) userOf(side battle.Side) string {
	if side == battle.SideChallenger {
		return s.challenge.ChallengerID
	}
	return s.challenge.OpponentID
}

// Join marks the user as present and returns the state as seen by their side.
// The joiner also receives the state (and the outcome of a finished battle) as
// events; the other side is told about the join.
func (s *BattleSession) Join(ctx context.Context, userID string) (*BattleStateSnapshot, error) {
	var snapshot *BattleStateSnapshot
	err := s.do(ctx, func() error {
		side, ok := s.sideOf(userID)
		if !ok {
			return ErrNotParticipant
		}

		s.present[side] = true
		if s.status == SessionStatusWaiting && s.bothPresent() {
			s.status = SessionStatusCollecting
		}

		snapshot = s.snapshot(side)
		s.deps.send(userID, BattleStateEvent, snapshot)
		s.deps.send(s.userOf(side.Other()), ParticipantJoinedEvent, ParticipantEvent{
			BattleID: s.id,
			UserID:   userID,
			Side:     side.String(),
		})
		if s.status == SessionStatusCompleted {
			s.deps.send(userID, BattleEndedEvent, s.endedEvent())
		}

		s.logger.Info("participant joined", "userID", userID, "side", side, "status", s.status)
		return nil
	})
	return snapshot, err
}

// SubmitAction stores the side's action for the current turn. Once both sides
// have acted, the turn resolves after the presentation delay.
func (s *BattleSession) SubmitAction(ctx context.Context, userID string, action BattleAction) (*ActionAcknowledgement, error) {
	var ack *ActionAcknowledgement
	err := s.do(ctx, func() error {
		side, ok := s.sideOf(userID)
		if !ok {
			return ErrNotParticipant
		}

		switch s.status {
		case SessionStatusCompleted:
			return ErrBattleEnded
		case SessionStatusResolving:
			return ErrTurnInProgress
		}

		s.present[side] = true
		s.pending[side] = &action
		ack = &ActionAcknowledgement{
			BattleID: s.id,
			Side:     side.String(),
			UserID:   userID,
			Turn:     s.fight.Turn() + 1,
		}
		s.broadcast(ActionAcknowledgedEvent, ack)

		if s.pending[battle.SideChallenger] != nil && s.pending[battle.SideOpponent] != nil {
			s.status = SessionStatusResolving
			s.turnTimer = time.AfterFunc(s.deps.turnDelay, func() {
				s.post(s.resolveTurn)
			})
		}
		return nil
	})
	return ack, err
}

// State returns the current snapshot for a participant.
func (s *BattleSession) State(ctx context.Context, userID string) (*BattleStateSnapshot, error) {
	var snapshot *BattleStateSnapshot
	err := s.do(ctx, func() error {
		side, ok := s.sideOf(userID)
		if !ok {
			return ErrNotParticipant
		}
		snapshot = s.snapshot(side)
		return nil
	})
	return snapshot, err
}

// Disconnect records that the user has no live connection left. Play is not
// forfeited; the match waits for the user to rejoin.
func (s *BattleSession) Disconnect(userID string) {
	s.post(func() {
		side, ok := s.sideOf(userID)
		if !ok || !s.present[side] {
			return
		}

		s.present[side] = false
		if s.status == SessionStatusCollecting {
			s.status = SessionStatusWaiting
		}
		s.deps.send(s.userOf(side.Other()), ParticipantDisconnectedEvent, ParticipantEvent{
			BattleID: s.id,
			UserID:   userID,
			Side:     side.String(),
		})
		s.logger.Info("participant disconnected", "userID", userID, "side", side)

		s.disposeIfAbandoned()
	})
}

// Close disposes the session immediately.
func (s *BattleSession) Close() {
	s.post(s.dispose)
}

func (s *BattleSession) resolveTurn() {
	if s.status != SessionStatusResolving {
		return
	}

	entries := s.fight.Step()
	clear(s.pending)

	ended := s.fight.Over()
	var winner *WinnerInfo
	if ended {
		s.result = s.fight.Finish()
		full := s.result.Log
		entries = append(entries, full[len(full)-1])
		winner = &WinnerInfo{
			UserID: s.result.WinnerID,
			Name:   s.result.WinnerName,
			Side:   s.result.WinnerSide.String(),
		}
	}

	s.broadcast(TurnResultEvent, TurnResult{
		BattleID: s.id,
		Turn:     s.fight.Turn(),
		Entries:  entries,
		Active: ActiveCombatants{
			Challenger: activeSnapshot(s.fight, battle.SideChallenger),
			Opponent:   activeSnapshot(s.fight, battle.SideOpponent),
		},
		Ended:  ended,
		Winner: winner,
	})

	if !ended {
		if s.bothPresent() {
			s.status = SessionStatusCollecting
		} else {
			s.status = SessionStatusWaiting
		}
		s.disposeIfAbandoned()
		return
	}

	s.status = SessionStatusCompleted
	s.broadcast(BattleEndedEvent, s.endedEvent())
	s.finalize()
}

func (s *BattleSession) finalize() {
	if s.deps.metrics != nil {
		s.deps.metrics.BattlesResolved.WithLabelValues(string(ExecutionModeLive)).Inc()
		s.deps.metrics.BattleTurns.Observe(float64(s.result.Turns))
	}
	s.saveResult()
}

// saveResult writes the outcome to the ledger. Until the write succeeds the
// session keeps serving the in-memory result and is not disposed, so a later
// join cannot replay the battle.
func (s *BattleSession) saveResult() {
	s.saveTimer = nil
	if s.deps.ledger == nil {
		s.scheduleDisposal()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	_, err := s.deps.ledger.Finalize(ctx, s.id, s.result.WinnerID, s.result)
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		// An earlier attempt committed before reporting a failure.
		s.logger.Warn("live battle result already recorded")
	case err != nil:
		s.saves++
		delay := s.deps.saveRetry << min(s.saves-1, 6)
		s.logger.Error("failed to persist live battle result", "error", err, "attempt", s.saves, "retryIn", delay)
		if s.saves == 1 {
			s.broadcast(SessionErrorEvent, SessionErrorNotice{BattleID: s.id, Error: "failed to save battle result, retrying"})
		}
		s.saveTimer = time.AfterFunc(delay, func() {
			s.post(s.saveResult)
		})
		return
	default:
		s.logger.Info("live battle completed", "winnerID", s.result.WinnerID, "turns", s.result.Turns)
	}
	s.scheduleDisposal()
}

func (s *BattleSession) scheduleDisposal() {
	if s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(s.deps.gracePeriod, func() {
		s.post(s.dispose)
	})
}

// disposeIfAbandoned drops an unfinished session once nobody is present and no
// turn is pending. A later join rebuilds it from the ledger.
func (s *BattleSession) disposeIfAbandoned() {
	if s.status == SessionStatusResolving || s.status == SessionStatusCompleted {
		return
	}
	if s.present[battle.SideChallenger] || s.present[battle.SideOpponent] {
		return
	}
	s.logger.Info("both participants left, disposing session")
	s.dispose()
}

func (s *BattleSession) dispose() {
	if s.closed {
		return
	}
	s.closed = true
	if s.turnTimer != nil {
		s.turnTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.logger.Error("session closed before its result was saved", "winnerID", s.result.WinnerID)
	}
	if s.deps.onDispose != nil {
		s.deps.onDispose(s)
	}
}

func (s *BattleSession) bothPresent() bool {
	return s.present[battle.SideChallenger] && s.present[battle.SideOpponent]
}

func (s *BattleSession) broadcast(method string, params RPCDataParams) {
	s.deps.send(s.challenge.ChallengerID, method, params)
	s.deps.send(s.challenge.OpponentID, method, params)
}

func (s *BattleSession) endedEvent() BattleEnded {
	return BattleEnded{
		BattleID:   s.id,
		WinnerID:   s.result.WinnerID,
		WinnerName: s.result.WinnerName,
		Result:     s.result,
	}
}

func (s *BattleSession) snapshot(viewer battle.Side) *BattleStateSnapshot {
	snapshot := &BattleStateSnapshot{
		BattleID: s.id,
		Status:   s.status,
		YourSide: viewer.String(),
		Challenger: SideState{
			UserID:  s.challenge.ChallengerID,
			Online:  s.present[battle.SideChallenger],
			Pending: s.pending[battle.SideChallenger] != nil,
		},
		Opponent: SideState{
			UserID:  s.challenge.OpponentID,
			Online:  s.present[battle.SideOpponent],
			Pending: s.pending[battle.SideOpponent] != nil,
		},
	}

	if s.fight != nil {
		snapshot.Turn = s.fight.Turn()
		snapshot.Log = s.fight.Log()
		fillSideState(&snapshot.Challenger, s.fight, battle.SideChallenger)
		fillSideState(&snapshot.Opponent, s.fight, battle.SideOpponent)
	} else if s.result != nil {
		snapshot.Turn = s.result.Turns
		snapshot.Log = s.result.Log
	}

	if s.result != nil {
		snapshot.Winner = &WinnerInfo{
			UserID: s.result.WinnerID,
			Name:   s.result.WinnerName,
			Side:   s.result.WinnerSide.String(),
		}
	}
	return snapshot
}

func fillSideState(state *SideState, fight *battle.Battle, side battle.Side) {
	team := fight.Team(side)
	state.Trainer = team.Trainer
	state.TeamName = team.Name
	state.ActiveIndex = fight.ActiveIndex(side)
	state.Team = make([]battle.Snapshot, 0, len(team.Members))
	for _, m := range team.Members {
		state.Team = append(state.Team, m.Snapshot())
	}
}

func activeSnapshot(fight *battle.Battle, side battle.Side) *battle.Snapshot {
	c := fight.Active(side)
	if c == nil {
		return nil
	}
	snapshot := c.Snapshot()
	return &snapshot
}

// BattleStateSnapshot is the full view of a session sent on join and on request.
type BattleStateSnapshot struct {
	BattleID   string            `json:"battle_id"`
	Status     SessionStatus     `json:"status"`
	Turn       int               `json:"turn"`
	YourSide   string            `json:"your_side"`
	Challenger SideState         `json:"challenger"`
	Opponent   SideState         `json:"opponent"`
	Log        []battle.LogEntry `json:"log"`
	Winner     *WinnerInfo       `json:"winner,omitempty"`
}

type SideState struct {
	UserID      string            `json:"user_id"`
	Trainer     string            `json:"trainer,omitempty"`
	TeamName    string            `json:"team_name,omitempty"`
	Online      bool              `json:"online"`
	Pending     bool              `json:"action_pending"`
	ActiveIndex int               `json:"active_index"`
	Team        []battle.Snapshot `json:"team,omitempty"`
}

type WinnerInfo struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Side   string `json:"side"`
}

type ActionAcknowledgement struct {
	BattleID string `json:"battle_id"`
	Side     string `json:"side"`
	UserID   string `json:"user_id"`
	Turn     int    `json:"turn"`
}

type ActiveCombatants struct {
	Challenger *battle.Snapshot `json:"challenger"`
	Opponent   *battle.Snapshot `json:"opponent"`
}

type TurnResult struct {
	BattleID string            `json:"battle_id"`
	Turn     int               `json:"turn"`
	Entries  []battle.LogEntry `json:"entries"`
	Active   ActiveCombatants  `json:"active"`
	Ended    bool              `json:"ended"`
	Winner   *WinnerInfo       `json:"winner,omitempty"`
}

type BattleEnded struct {
	BattleID   string         `json:"battle_id"`
	WinnerID   string         `json:"winner_id"`
	WinnerName string         `json:"winner_name"`
	Result     *battle.Result `json:"result"`
}

type ParticipantEvent struct {
	BattleID string `json:"battle_id"`
	UserID   string `json:"user_id"`
	Side     string `json:"side,omitempty"`
}

type SessionErrorNotice struct {
	BattleID string `json:"battle_id"`
	Error    string `json:"error"`
}
