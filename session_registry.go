package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// SessionRegistry owns the in-memory live sessions of this process, keyed by
// battle id. At most one session exists per battle; concurrent joins of a
// battle without a session share a single construction.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*BattleSession
	byUser   map[string]map[string]struct{}
	group    singleflight.Group

	ledger   *ChallengeLedger
	preparer *BattlePreparer
	actions  *BattleActionLog
	deps     sessionDeps
	logger   Logger
}

// NewSessionRegistry creates a registry. actions and metrics may be nil.
func NewSessionRegistry(conf BattleConfig, ledger *ChallengeLedger, preparer *BattlePreparer, actions *BattleActionLog, send func(userID, method string, params RPCDataParams) bool, metrics *Metrics, logger Logger) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[string]*BattleSession),
		byUser:   make(map[string]map[string]struct{}),
		ledger:   ledger,
		preparer: preparer,
		actions:  actions,
		logger:   logger.NewSystem("battle-sessions"),
	}
	r.deps = sessionDeps{
		ledger: ledger,
		send:   send,
		newSource: func() (battle.Source, error) {
			seed, err := battle.NewSeed()
			if err != nil {
				return nil, err
			}
			return battle.NewSource(seed), nil
		},
		metrics:     metrics,
		turnDelay:   conf.TurnDelay,
		gracePeriod: conf.SessionGracePeriod,
		saveRetry:   time.Second,
		onDispose:   r.remove,
		logger:      r.logger,
	}
	return r
}

// Join attaches the user to the battle, creating the live session on first join.
func (r *SessionRegistry) Join(ctx context.Context, battleID, userID string) (*BattleStateSnapshot, error) {
	// A session can close between lookup and join; the retry builds a new one.
	for attempt := 0; attempt < 2; attempt++ {
		session, err := r.getOrCreate(ctx, battleID, userID)
		if err != nil {
			return nil, err
		}

		snapshot, err := session.Join(ctx, userID)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.track(userID, battleID)
		return snapshot, nil
	}
	return nil, ErrBattleEnded
}

// Submit forwards an action to the battle's live session.
func (r *SessionRegistry) Submit(ctx context.Context, battleID, userID string, action BattleAction) (*ActionAcknowledgement, error) {
	session := r.get(battleID)
	if session == nil {
		return nil, ErrSessionNotJoined
	}

	ack, err := session.SubmitAction(ctx, userID, action)
	if errors.Is(err, errSessionClosed) {
		return nil, ErrSessionNotJoined
	}
	if err != nil {
		return nil, err
	}

	if r.actions != nil {
		if err := r.actions.Record(ctx, battleID, userID, action, ack.Turn); err != nil {
			r.logger.Warn("failed to record battle action", "battleID", battleID, "userID", userID, "error", err)
		}
	}
	return ack, nil
}

// State returns the participant's view of a live session.
func (r *SessionRegistry) State(ctx context.Context, battleID, userID string) (*BattleStateSnapshot, error) {
	session := r.get(battleID)
	if session == nil {
		return nil, ErrSessionNotJoined
	}

	snapshot, err := session.State(ctx, userID)
	if errors.Is(err, errSessionClosed) {
		return nil, ErrSessionNotJoined
	}
	return snapshot, err
}

// Disconnect marks the user absent in every session they joined. It is called
// once the user has no connection left on this node.
func (r *SessionRegistry) Disconnect(userID string) {
	r.mu.Lock()
	battles := r.byUser[userID]
	delete(r.byUser, userID)
	sessions := make([]*BattleSession, 0, len(battles))
	for battleID := range battles {
		if s, ok := r.sessions[battleID]; ok {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect(userID)
	}
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown disposes every session and waits for them to stop or ctx to expire.
func (r *SessionRegistry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*BattleSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (r *SessionRegistry) get(battleID string) *BattleSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[battleID]
}

func (r *SessionRegistry) getOrCreate(ctx context.Context, battleID, userID string) (*BattleSession, error) {
	challenge, err := r.ledger.Get(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if !challenge.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	if s := r.get(battleID); s != nil {
		return s, nil
	}

	v, err, _ := r.group.Do(battleID, func() (any, error) {
		if s := r.get(battleID); s != nil {
			return s, nil
		}

		s, err := r.create(ctx, challenge)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[battleID] = s
		count := len(r.sessions)
		r.mu.Unlock()

		if r.deps.metrics != nil {
			r.deps.metrics.LiveSessions.Set(float64(count))
		}
		r.logger.Info("battle session created", "battleID", battleID, "status", s.status)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BattleSession), nil
}

// create builds a session from the persisted challenge. Accepted challenges are
// claimed for live play first; a lost claim is resolved from the record that
// won it.
func (r *SessionRegistry) create(ctx context.Context, challenge *Challenge) (*BattleSession, error) {
	switch challenge.Status {
	case ChallengeStatusPending:
		return nil, ErrTeamNotSelected
	case ChallengeStatusRejected, ChallengeStatusCancelled:
		return nil, ErrAlreadyResolved
	case ChallengeStatusCompleted:
		return r.completed(challenge)
	}

	challenger, opponent, err := r.preparer.Prepare(ctx, challenge)
	if err != nil {
		return nil, err
	}

	if challenge.Status == ChallengeStatusAccepted {
		claimed, err := r.ledger.ClaimExecution(ctx, challenge.ID, ExecutionModeLive)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			current, err := r.ledger.Get(ctx, challenge.ID)
			if err != nil {
				return nil, err
			}
			if current.Status == ChallengeStatusCompleted {
				return r.completed(current)
			}
			challenge = current
		} else {
			challenge = claimed
		}
	}

	if challenge.ExecutionMode != ExecutionModeLive {
		return nil, ErrAutoExecuted
	}

	src, err := r.deps.newSource()
	if err != nil {
		return nil, err
	}
	return newLiveSession(challenge, challenger, opponent, src, r.deps)
}

func (r *SessionRegistry) completed(challenge *Challenge) (*BattleSession, error) {
	result, err := decodeBattleResult(challenge)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrBattleNotFound
	}
	return newCompletedSession(challenge, result, r.deps), nil
}

func (r *SessionRegistry) track(userID, battleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[battleID]; !ok {
		return
	}
	battles, ok := r.byUser[userID]
	if !ok {
		battles = make(map[string]struct{})
		r.byUser[userID] = battles
	}
	battles[battleID] = struct{}{}
}

// remove runs on the session goroutine when the session disposes itself.
func (r *SessionRegistry) remove(s *BattleSession) {
	r.mu.Lock()
	if current, ok := r.sessions[s.id]; ok && current == s {
		delete(r.sessions, s.id)
		for userID, battles := range r.byUser {
			delete(battles, s.id)
			if len(battles) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if r.deps.metrics != nil {
		r.deps.metrics.LiveSessions.Set(float64(count))
	}
	r.logger.Info("battle session disposed", "battleID", s.id)
}
