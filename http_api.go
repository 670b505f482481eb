package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

const httpUserIDKey = "user_id"

// HTTPAPI serves the REST surface of the challenge ledger. Bodies use the
// camelCase field names of the original web client.
type HTTPAPI struct {
	ledger   *ChallengeLedger
	executor *BattleExecutor
	rosters  RosterStore
	users    UserDirectory
	tokens   *TokenManager
	metrics  *Metrics
	lg       Logger
}

func NewHTTPAPI(ledger *ChallengeLedger, executor *BattleExecutor, rosters RosterStore, users UserDirectory, tokens *TokenManager, metrics *Metrics, logger Logger) *HTTPAPI {
	return &HTTPAPI{
		ledger:   ledger,
		executor: executor,
		rosters:  rosters,
		users:    users,
		tokens:   tokens,
		metrics:  metrics,
		lg:       logger.NewSystem("http-api"),
	}
}

// echoValidator adapts the shared validator to echo.
type echoValidator struct {
	validator *validator.Validate
}

func (v *echoValidator) Validate(i interface{}) error {
	if err := v.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// Echo builds the router with every route registered.
func (a *HTTPAPI) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &echoValidator{validator: getValidator()}
	e.HTTPErrorHandler = a.handleError
	e.Use(a.metricsMiddleware)

	e.GET("/healthz", a.healthCheck)

	battles := e.Group("/api/battles", a.authMiddleware)
	{
		battles.POST("/challenge", a.CreateChallenge)
		battles.GET("/challenges", a.ListChallenges)
		battles.GET("/history", a.History)
		battles.POST("/:id/accept", a.AcceptChallenge)
		battles.POST("/:id/reject", a.RejectChallenge)
		battles.POST("/:id/cancel", a.CancelChallenge)
		battles.POST("/:id/execute", a.ExecuteBattle)
		battles.GET("/:id", a.GetBattle)
		battles.GET("/:id/result", a.GetBattleResult)
	}

	e.RouteNotFound("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	})
	return e
}

func (a *HTTPAPI) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "battlenode",
		"timestamp": time.Now().Unix(),
	})
}

// authMiddleware resolves the caller from a bearer token. With tokens disabled
// the X-User-ID header is trusted instead.
func (a *HTTPAPI) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var token string
		if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
			scheme, value, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
			}
			token = strings.TrimSpace(value)
		}

		userID, err := a.tokens.Authenticate(c.Request().Header.Get("X-User-ID"), token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}

		c.Set(httpUserIDKey, userID)
		ctx := SetContextLogger(c.Request().Context(), a.lg.With("userID", userID))
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (a *HTTPAPI) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		if a.metrics != nil {
			a.metrics.HTTPRequests.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(c.Response().Status),
			).Inc()
		}
		return nil
	}
}

// httpStatusFor maps ledger and executor failures to response codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParticipants),
		errors.Is(err, ErrTeamNotSelected),
		isEmptyRoster(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrBattleNotFound), errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	}

	var rpcErr RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *HTTPAPI) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	var rpcErr RPCError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(status)
		}
	case errors.As(err, &rpcErr):
		status = httpStatusFor(err)
		message = rpcErr.Error()
	default:
		LoggerFromContext(c.Request().Context()).Error("request failed", "path", c.Path(), "error", err)
	}

	if err := c.JSON(status, ErrorResponse{Error: message}); err != nil {
		a.lg.Error("failed to write error response", "error", err)
	}
}

func httpUserID(c echo.Context) string {
	userID, _ := c.Get(httpUserIDKey).(string)
	return userID
}

// httpListOptions reads offset, limit and sort from the query string.
func httpListOptions(c echo.Context) (*ListOptions, error) {
	options := &ListOptions{}
	if raw := c.QueryParam("offset"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		options.Offset = uint32(v)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		options.Limit = uint32(v)
	}
	if raw := c.QueryParam("sort"); raw != "" {
		sort, err := ParseSortType(raw)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid sort")
		}
		options.Sort = &sort
	}
	return options, nil
}

type createChallengeRequest struct {
	OpponentID   string `json:"opponentId"`
	OpponentCode string `json:"opponentCode"`
	TeamIndex    *int   `json:"teamIndex" validate:"required,min=0"`
}

type acceptChallengeRequest struct {
	TeamIndex *int `json:"teamIndex" validate:"required,min=0"`
}

func (a *HTTPAPI) CreateChallenge(c echo.Context) error {
	ctx := c.Request().Context()

	var req createChallengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	opponentID, err := resolveOpponent(ctx, a.users, req.OpponentID, req.OpponentCode)
	if err != nil {
		return err
	}

	challenge, created, err := a.ledger.CreateChallenge(ctx, httpUserID(c), opponentID, *req.TeamIndex)
	if err != nil {
		return err
	}

	message := "Challenge sent!"
	if !created {
		message = "Challenge already pending"
	}
	return c.JSON(http.StatusOK, CreateChallengeResponse{
		Battle:  buildChallengeResponses(ctx, a.users, []Challenge{*challenge})[0],
		Created: created,
		Message: message,
	})
}

func (a *HTTPAPI) ListChallenges(c echo.Context) error {
	ctx := c.Request().Context()

	options, err := httpListOptions(c)
	if err != nil {
		return err
	}
	status := ChallengeStatus(c.QueryParam("status"))

	challenges, err := a.ledger.ListChallenges(ctx, httpUserID(c), status, options)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChallengesResponse{Challenges: buildChallengeResponses(ctx, a.users, challenges)})
}

func (a *HTTPAPI) History(c echo.Context) error {
	ctx := c.Request().Context()

	options, err := httpListOptions(c)
	if err != nil {
		return err
	}

	history, err := a.ledger.History(ctx, httpUserID(c), options)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BattleHistoryResponse{History: buildChallengeResponses(ctx, a.users, history)})
}

func (a *HTTPAPI) AcceptChallenge(c echo.Context) error {
	var req acceptChallengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TeamIndex == nil {
		return ErrTeamNotSelected
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	challenge, err := a.ledger.AcceptChallenge(c.Request().Context(), c.Param("id"), httpUserID(c), *req.TeamIndex)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "Challenge accepted! Battle starting...",
	})
}

func (a *HTTPAPI) RejectChallenge(c echo.Context) error {
	challenge, err := a.ledger.RejectChallenge(c.Request().Context(), c.Param("id"), httpUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "Challenge rejected",
	})
}

func (a *HTTPAPI) CancelChallenge(c echo.Context) error {
	challenge, err := a.ledger.CancelChallenge(c.Request().Context(), c.Param("id"), httpUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChallengeUpdateResponse{
		Battle:  newChallengeResponse(challenge),
		Message: "Challenge canceled",
	})
}

func (a *HTTPAPI) ExecuteBattle(c echo.Context) error {
	outcome, err := a.executor.Execute(c.Request().Context(), c.Param("id"), httpUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newExecuteBattleResponse(outcome))
}

func (a *HTTPAPI) GetBattle(c echo.Context) error {
	ctx := c.Request().Context()
	details, err := loadBattleDetails(ctx, a.ledger, a.rosters, a.users, c.Param("id"), httpUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, details)
}

func (a *HTTPAPI) GetBattleResult(c echo.Context) error {
	challenge, err := a.ledger.GetForParticipant(c.Request().Context(), c.Param("id"), httpUserID(c))
	if err != nil {
		return err
	}

	resp, err := newBattleResultResponse(challenge)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
