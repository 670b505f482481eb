package main

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type RPCRouter struct {
	Node     *RPCNode
	Config   *Config
	Ledger   *ChallengeLedger
	Executor *BattleExecutor
	Sessions *SessionRegistry
	Actions  *BattleActionLog
	Rosters  RosterStore
	Users    UserDirectory
	Tokens   *TokenManager
	Metrics  *Metrics

	lg Logger
}

func NewRPCRouter(
	node *RPCNode,
	conf *Config,
	ledger *ChallengeLedger,
	executor *BattleExecutor,
	sessions *SessionRegistry,
	actions *BattleActionLog,
	rosters RosterStore,
	users UserDirectory,
	tokens *TokenManager,
	metrics *Metrics,
	logger Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:     node,
		Config:   conf,
		Ledger:   ledger,
		Executor: executor,
		Sessions: sessions,
		Actions:  actions,
		Rosters:  rosters,
		Users:    users,
		Tokens:   tokens,
		Metrics:  metrics,
		lg:       logger.NewSystem("rpc-router"),
	}

	r.Node.OnConnect(r.HandleConnect)
	r.Node.OnDisconnect(r.HandleDisconnect)
	r.Node.OnAuthenticated(r.HandleAuthenticated)
	r.Node.OnMessageSent(r.HandleMessageSent)

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Use(r.MetricsMiddleware)
	r.Node.Handle("ping", r.HandlePing)
	r.Node.Handle("register", r.HandleRegister)

	testModeGroup := r.Node.NewGroup("test_mode")
	testModeGroup.Use(r.TestModeMiddleware)
	testModeGroup.Handle("issue_token", r.HandleIssueToken)

	privGroup := r.Node.NewGroup("private")
	privGroup.Use(r.AuthMiddleware)

	challengeGroup := privGroup.NewGroup("challenge")
	challengeGroup.Handle("create_challenge", r.HandleCreateChallenge)
	challengeGroup.Handle("accept_challenge", r.HandleAcceptChallenge)
	challengeGroup.Handle("reject_challenge", r.HandleRejectChallenge)
	challengeGroup.Handle("cancel_challenge", r.HandleCancelChallenge)
	challengeGroup.Handle("execute_battle", r.HandleExecuteBattle)
	challengeGroup.Handle("get_challenges", r.HandleGetChallenges)
	challengeGroup.Handle("get_battle", r.HandleGetBattle)
	challengeGroup.Handle("get_battle_history", r.HandleGetBattleHistory)

	battleGroup := privGroup.NewGroup("battle")
	battleGroup.Handle("join_battle", r.HandleJoinBattle)
	battleGroup.Handle("submit_action", r.HandleSubmitAction)
	battleGroup.Handle("get_battle_state", r.HandleGetBattleState)
	battleGroup.Handle("get_battle_actions", r.HandleGetBattleActions)

	return r
}

// ConnectedResponse is sent to every new connection.
type ConnectedResponse struct {
	Message      string `json:"message"`
	AuthRequired bool   `json:"auth_required"`
}

func (r *RPCRouter) HandleConnect(send SendRPCMessageFunc) {
	r.Metrics.ConnectionsTotal.Inc()
	r.Metrics.ConnectedClients.Inc()

	send("connected", ConnectedResponse{
		Message:      "connected to battle server",
		AuthRequired: r.Tokens != nil,
	})
}

// HandleDisconnect leaves the user's live battles once their last connection
// on this node is gone.
func (r *RPCRouter) HandleDisconnect(userID string) {
	r.Metrics.ConnectedClients.Dec()

	if userID == "" || r.Node.IsOnline(userID) {
		return
	}
	r.Sessions.Disconnect(userID)
}

// RegisteredResponse is sent after a connection registers as a user.
type RegisteredResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (r *RPCRouter) HandleAuthenticated(userID string, send SendRPCMessageFunc) {
	pending, err := r.Ledger.ListChallenges(contextWithLogger(r.lg), userID, ChallengeStatusPending, nil)
	if err != nil {
		r.lg.Error("error retrieving pending challenges", "userID", userID, "error", err)
		return
	}

	var incoming []ChallengeResponse
	for _, ch := range pending {
		if ch.OpponentID == userID {
			incoming = append(incoming, newChallengeResponse(&ch))
		}
	}
	if len(incoming) > 0 {
		send("pending_challenges", ChallengesResponse{Challenges: incoming})
	}
}

func (r *RPCRouter) HandleMessageSent() {
	r.Metrics.MessageSent.Inc()
}

func (r *RPCRouter) LoggerMiddleware(c *RPCContext) {
	logger := r.lg.With("requestID", c.Message.Req.RequestID)
	c.Context = SetContextLogger(c.Context, logger)
	logger = LoggerFromContext(c.Context)

	c.Next()

	if c.Message.Res == nil {
		logger.Warn("RPC response is nil",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
		)
		return
	}

	if c.Message.Res.Method == "error" {
		logger.Warn("failed to handle RPC request",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
			"error", c.Message.Res.Params,
		)
	}
}

func (r *RPCRouter) MetricsMiddleware(c *RPCContext) {
	r.Metrics.MessageReceived.Inc()

	reqMethod := c.Message.Req.Method
	c.Next()

	status := "success"
	if c.Message.Res == nil || c.Message.Res.Method == "error" {
		status = "failure"
	}

	r.Metrics.RPCRequests.WithLabelValues(reqMethod, status).Inc()
}

func (r *RPCRouter) TestModeMiddleware(c *RPCContext) {
	if r.Config.mode != ModeTest {
		c.Fail(nil, "test mode endpoints are disabled")
		return
	}

	c.Next()
}

func (r *RPCRouter) AuthMiddleware(c *RPCContext) {
	if c.UserID == "" {
		c.Fail(nil, "register before calling this method")
		return
	}

	c.Next()
}

func (r *RPCRouter) HandlePing(c *RPCContext) {
	c.Succeed("pong", nil)
}

// RegisterParams binds the connection to a user.
type RegisterParams struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// HandleRegister binds the connection to the user identified by the token, or
// by the declared id when tokens are disabled.
func (r *RPCRouter) HandleRegister(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params RegisterParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse register parameters")
		return
	}

	authMethod := "token"
	if r.Tokens == nil {
		authMethod = "declared"
	}
	labels := prometheus.Labels{"auth_method": authMethod}
	r.Metrics.RegisterAttemptsTotal.With(labels).Inc()

	userID, err := r.Tokens.Authenticate(params.UserID, params.Token)
	if err != nil {
		r.Metrics.RegisterAttemptsFail.With(labels).Inc()
		c.Fail(err, "registration failed")
		return
	}
	r.Metrics.RegisterAttemptsSuccess.With(labels).Inc()

	c.UserID = userID
	c.Succeed("registered", RegisteredResponse{
		UserID: userID,
		Name:   displayName(c.Context, r.Users, userID),
	})
	logger.Info("registration successful", "authMethod", authMethod, "userID", userID)
}

// IssueTokenParams requests a token for a user in test mode.
type IssueTokenParams struct {
	UserID string `json:"user_id" validate:"required,notblank"`
}

type IssueTokenResponse struct {
	Token string `json:"token"`
}

func (r *RPCRouter) HandleIssueToken(c *RPCContext) {
	req := c.Message.Req

	var params IssueTokenParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}
	if r.Tokens == nil {
		c.Fail(nil, "tokens are disabled")
		return
	}

	token, err := r.Tokens.Issue(params.UserID, displayName(c.Context, r.Users, params.UserID))
	if err != nil {
		c.Fail(err, "failed to issue token")
		return
	}
	c.Succeed(req.Method, IssueTokenResponse{Token: token})
}

func parseParams(params RPCDataParams, unmarshalTo any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to parse parameters: %w", err)
	}

	err = json.Unmarshal(paramsJSON, &unmarshalTo)
	if err != nil {
		return RPCErrorf("invalid parameters: %s", err.Error())
	}

	if err := getValidator().Struct(unmarshalTo); err != nil {
		return RPCErrorf("invalid parameters: %s", err.Error())
	}
	return nil
}
