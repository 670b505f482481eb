package main

type CreateChallengeParams struct {
	OpponentID   string `json:"opponent_id,omitempty"`
	OpponentCode string `json:"opponent_code,omitempty"`
	TeamIndex    int    `json:"team_index" validate:"min=0"`
}

type AcceptChallengeParams struct {
	ChallengeID string `json:"challenge_id" validate:"required,notblank"`
	TeamIndex   int    `json:"team_index" validate:"min=0"`
}

// ChallengeIDParams addresses a single challenge.
type ChallengeIDParams struct {
	ChallengeID string `json:"challenge_id" validate:"required,notblank"`
}

type GetChallengesParams struct {
	ListOptions
	Status string `json:"status,omitempty" validate:"omitempty,oneof=pending accepted in_progress completed rejected cancelled"`
}

type GetBattleHistoryParams struct {
	ListOptions
}

func (r *RPCRouter) HandleCreateChallenge(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params CreateChallengeParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	opponentID, err := resolveOpponent(ctx, r.Users, params.OpponentID, params.OpponentCode)
	if err != nil {
		c.Fail(err, "failed to resolve opponent")
		return
	}

	challenge, created, err := r.Ledger.CreateChallenge(ctx, c.UserID, opponentID, params.TeamIndex)
	if err != nil {
		c.Fail(err, "failed to create challenge")
		return
	}

	message := "challenge sent"
	if !created {
		message = "challenge already pending"
	}
	c.Succeed(req.Method, CreateChallengeResponse{
		Battle:  buildChallengeResponses(ctx, r.Users, []Challenge{*challenge})[0],
		Created: created,
		Message: message,
	})
}

func (r *RPCRouter) HandleAcceptChallenge(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params AcceptChallengeParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	challenge, err := r.Ledger.AcceptChallenge(ctx, params.ChallengeID, c.UserID, params.TeamIndex)
	if err != nil {
		c.Fail(err, "failed to accept challenge")
		return
	}

	c.Succeed(req.Method, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "challenge accepted",
	})
}

func (r *RPCRouter) HandleRejectChallenge(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params ChallengeIDParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	challenge, err := r.Ledger.RejectChallenge(ctx, params.ChallengeID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to reject challenge")
		return
	}

	c.Succeed(req.Method, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "challenge rejected",
	})
}

func (r *RPCRouter) HandleCancelChallenge(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params ChallengeIDParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	challenge, err := r.Ledger.CancelChallenge(ctx, params.ChallengeID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to cancel challenge")
		return
	}

	c.Succeed(req.Method, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "challenge cancelled",
	})
}

// HandleExecuteBattle resolves an accepted challenge in one call. Repeated or
// concurrent calls return the persisted state.
func (r *RPCRouter) HandleExecuteBattle(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params ChallengeIDParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	outcome, err := r.Executor.Execute(ctx, params.ChallengeID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to execute battle")
		return
	}

	c.Succeed(req.Method, newExecuteBattleResponse(outcome))
}

func (r *RPCRouter) HandleGetChallenges(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params GetChallengesParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	challenges, err := r.Ledger.ListChallenges(ctx, c.UserID, ChallengeStatus(params.Status), &params.ListOptions)
	if err != nil {
		c.Fail(err, "failed to get challenges")
		return
	}

	c.Succeed(req.Method, ChallengesResponse{Challenges: buildChallengeResponses(ctx, r.Users, challenges)})
}

func (r *RPCRouter) HandleGetBattle(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params ChallengeIDParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	details, err := loadBattleDetails(ctx, r.Ledger, r.Rosters, r.Users, params.ChallengeID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to get battle")
		return
	}

	c.Succeed(req.Method, details)
}

func (r *RPCRouter) HandleGetBattleHistory(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params GetBattleHistoryParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	history, err := r.Ledger.History(ctx, c.UserID, &params.ListOptions)
	if err != nil {
		c.Fail(err, "failed to get battle history")
		return
	}

	c.Succeed(req.Method, BattleHistoryResponse{History: buildChallengeResponses(ctx, r.Users, history)})
}
