package main

type JoinBattleParams struct {
	BattleID string `json:"battle_id" validate:"required,notblank"`
	// UserID is accepted for compatibility; it must match the registered user.
	UserID string `json:"user_id,omitempty"`
}

type SubmitActionParams struct {
	BattleID string       `json:"battle_id" validate:"required,notblank"`
	Action   BattleAction `json:"action"`
}

type BattleStateParams struct {
	BattleID string `json:"battle_id" validate:"required,notblank"`
}

// HandleJoinBattle attaches the connection's user to a live session. The
// session pushes the full state as a battle_state event as well.
func (r *RPCRouter) HandleJoinBattle(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params JoinBattleParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}
	if params.UserID != "" && params.UserID != c.UserID {
		c.Fail(ErrNotParticipant, "")
		return
	}

	snapshot, err := r.Sessions.Join(ctx, params.BattleID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to join battle")
		return
	}

	c.Succeed(req.Method, snapshot)
}

func (r *RPCRouter) HandleSubmitAction(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params SubmitActionParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ack, err := r.Sessions.Submit(ctx, params.BattleID, c.UserID, params.Action)
	if err != nil {
		c.Fail(err, "failed to submit action")
		return
	}

	c.Succeed(req.Method, ack)
}

func (r *RPCRouter) HandleGetBattleState(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params BattleStateParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	snapshot, err := r.Sessions.State(ctx, params.BattleID, c.UserID)
	if err != nil {
		c.Fail(err, "failed to get battle state")
		return
	}

	c.Succeed(req.Method, snapshot)
}

type GetBattleActionsParams struct {
	ListOptions
	BattleID string  `json:"battle_id" validate:"required,notblank"`
	UserID   *string `json:"user_id,omitempty"`
}

type BattleActionsResponse struct {
	Actions []BattleActionRecord `json:"actions"`
	Total   int64                `json:"total"`
}

// HandleGetBattleActions lists the actions recorded during a live battle,
// optionally narrowed to one participant.
func (r *RPCRouter) HandleGetBattleActions(c *RPCContext) {
	ctx := c.Context
	req := c.Message.Req

	var params GetBattleActionsParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	if _, err := r.Ledger.GetForParticipant(ctx, params.BattleID, c.UserID); err != nil {
		c.Fail(err, "failed to get battle actions")
		return
	}

	actions, err := r.Actions.List(ctx, params.BattleID, params.UserID, &params.ListOptions)
	if err != nil {
		c.Fail(err, "failed to get battle actions")
		return
	}
	total, err := r.Actions.Count(ctx, params.BattleID, params.UserID)
	if err != nil {
		c.Fail(err, "failed to get battle actions")
		return
	}

	c.Succeed(req.Method, BattleActionsResponse{Actions: actions, Total: total})
}
