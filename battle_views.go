package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// ChallengeResponse is the client view of a challenge record, shared by the
// socket and REST surfaces.
type ChallengeResponse struct {
	ID                  string          `json:"id"`
	ChallengerID        string          `json:"challenger_id"`
	ChallengerName      string          `json:"challenger_name,omitempty"`
	OpponentID          string          `json:"opponent_id"`
	OpponentName        string          `json:"opponent_name,omitempty"`
	ChallengerTeamIndex int             `json:"challenger_team_index"`
	OpponentTeamIndex   *int            `json:"opponent_team_index"`
	Status              ChallengeStatus `json:"status"`
	ExecutionMode       ExecutionMode   `json:"execution_mode,omitempty"`
	WinnerID            *string         `json:"winner_id"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	AcceptedAt          *time.Time      `json:"accepted_at"`
	CompletedAt         *time.Time      `json:"completed_at"`
}

func newChallengeResponse(ch *Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:                  ch.ID,
		ChallengerID:        ch.ChallengerID,
		OpponentID:          ch.OpponentID,
		ChallengerTeamIndex: ch.ChallengerTeamIndex,
		OpponentTeamIndex:   ch.OpponentTeamIndex,
		Status:              ch.Status,
		ExecutionMode:       ch.ExecutionMode,
		WinnerID:            ch.WinnerID,
		CreatedAt:           ch.CreatedAt,
		UpdatedAt:           ch.UpdatedAt,
		AcceptedAt:          ch.AcceptedAt,
		CompletedAt:         ch.CompletedAt,
	}
}

// buildChallengeResponses resolves participant names once per distinct user.
func buildChallengeResponses(ctx context.Context, users UserDirectory, challenges []Challenge) []ChallengeResponse {
	names := make(map[string]string)
	nameOf := func(userID string) string {
		if name, ok := names[userID]; ok {
			return name
		}
		name := displayName(ctx, users, userID)
		names[userID] = name
		return name
	}

	out := make([]ChallengeResponse, 0, len(challenges))
	for i := range challenges {
		resp := newChallengeResponse(&challenges[i])
		resp.ChallengerName = nameOf(resp.ChallengerID)
		resp.OpponentName = nameOf(resp.OpponentID)
		out = append(out, resp)
	}
	return out
}

type ChallengesResponse struct {
	Challenges []ChallengeResponse `json:"challenges"`
}

type BattleHistoryResponse struct {
	History []ChallengeResponse `json:"history"`
}

// CreateChallengeResponse reports the pending challenge and whether this call created it.
type CreateChallengeResponse struct {
	Battle  ChallengeResponse `json:"battle"`
	Created bool              `json:"created"`
	Message string            `json:"message"`
}

type ChallengeUpdateResponse struct {
	Battle  ChallengeResponse `json:"battle"`
	Message string            `json:"message"`
}

// BattleDetailsResponse is a challenge together with both selected teams.
type BattleDetailsResponse struct {
	Battle         ChallengeResponse `json:"battle"`
	ChallengerTeam *Roster           `json:"challenger_team"`
	OpponentTeam   *Roster           `json:"opponent_team"`
	IsChallenger   bool              `json:"is_challenger"`
}

// BattleResultResponse is the persisted outcome of a challenge, if any.
type BattleResultResponse struct {
	BattleID    string          `json:"battle_id"`
	Status      ChallengeStatus `json:"status"`
	WinnerID    *string         `json:"winner_id"`
	Result      *battle.Result  `json:"battle_result"`
	CompletedAt *time.Time      `json:"completed_at"`
}

type ExecuteBattleResponse struct {
	BattleID string          `json:"battle_id"`
	Status   ChallengeStatus `json:"status"`
	WinnerID *string         `json:"winner_id"`
	Executed bool            `json:"executed"`
	Result   *battle.Result  `json:"battle_result"`
	Message  string          `json:"message"`
}

func newExecuteBattleResponse(outcome *ExecutionOutcome) ExecuteBattleResponse {
	resp := ExecuteBattleResponse{
		BattleID: outcome.Challenge.ID,
		Status:   outcome.Challenge.Status,
		WinnerID: outcome.Challenge.WinnerID,
		Executed: outcome.Executed,
		Result:   outcome.Result,
	}

	switch {
	case outcome.Executed && outcome.Result != nil:
		resp.Message = fmt.Sprintf("%s wins!", outcome.Result.WinnerName)
	case outcome.Challenge.Status == ChallengeStatusCompleted:
		resp.Message = "battle already completed"
	default:
		resp.Message = "battle in progress"
	}
	return resp
}

func newBattleResultResponse(ch *Challenge) (BattleResultResponse, error) {
	result, err := decodeBattleResult(ch)
	if err != nil {
		return BattleResultResponse{}, err
	}
	return BattleResultResponse{
		BattleID:    ch.ID,
		Status:      ch.Status,
		WinnerID:    ch.WinnerID,
		Result:      result,
		CompletedAt: ch.CompletedAt,
	}, nil
}

// loadBattleDetails returns the challenge with the teams selected so far. A team
// index that no longer resolves yields a nil team.
func loadBattleDetails(ctx context.Context, ledger *ChallengeLedger, rosters RosterStore, users UserDirectory, id, userID string) (*BattleDetailsResponse, error) {
	ch, err := ledger.GetForParticipant(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	details := &BattleDetailsResponse{
		Battle:       buildChallengeResponses(ctx, users, []Challenge{*ch})[0],
		IsChallenger: ch.ChallengerID == userID,
	}

	challengerIndex := ch.ChallengerTeamIndex
	details.ChallengerTeam, err = rosterAt(ctx, rosters, ch.ChallengerID, &challengerIndex)
	if err != nil {
		return nil, err
	}
	details.OpponentTeam, err = rosterAt(ctx, rosters, ch.OpponentID, ch.OpponentTeamIndex)
	if err != nil {
		return nil, err
	}
	return details, nil
}

func rosterAt(ctx context.Context, rosters RosterStore, userID string, index *int) (*Roster, error) {
	if index == nil || rosters == nil {
		return nil, nil
	}
	teams, err := rosters.GetTeams(ctx, userID)
	if err != nil {
		return nil, err
	}
	if *index < 0 || *index >= len(teams) {
		return nil, nil
	}
	return &teams[*index], nil
}

// resolveOpponent accepts either an explicit user id or a friend code.
func resolveOpponent(ctx context.Context, users UserDirectory, opponentID, opponentCode string) (string, error) {
	if opponentID != "" {
		return opponentID, nil
	}
	if opponentCode == "" {
		return "", RPCErrorf("opponent_id or opponent_code is required")
	}
	if users == nil {
		return "", ErrUserNotFound
	}
	user, err := users.GetUserByCode(ctx, opponentCode)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	return user.ID, nil
}
