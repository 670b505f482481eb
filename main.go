package main

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	// Initialize Prometheus metrics
	metrics := NewMetrics()

	var sharedCache redis.UniversalClient
	if config.redisConf.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.redisConf.Addr,
			Password: config.redisConf.Password,
			DB:       config.redisConf.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, shared stats cache disabled", "addr", config.redisConf.Addr, "error", err)
			client.Close()
		} else {
			logger.Info("shared stats cache connected", "addr", config.redisConf.Addr)
			sharedCache = client
			defer client.Close()
		}
		cancel()
	}

	var push PushPublisher
	if config.natsConf.URL != "" {
		nc, err := nats.Connect(config.natsConf.URL,
			nats.MaxReconnects(10),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			logger.Warn("nats unavailable, offline push disabled", "url", config.natsConf.URL, "error", err)
		} else {
			logger.Info("offline push connected", "url", config.natsConf.URL)
			push = nc
			defer nc.Drain()
		}
	}

	rpcNode := NewRPCNode(logger)
	notifier := NewNotificationGateway(rpcNode.Notify, push, config.natsConf.SubjectPrefix, metrics, logger)

	users := NewDBUserDirectory(db)
	rosters := NewDBRosterStore(db)
	stats := NewCachedStatsProvider(config.stats, config.species, sharedCache, NewPokeAPIClient(config.stats), metrics, logger)
	preparer := NewBattlePreparer(rosters, stats, users)

	ledger := NewChallengeLedger(db, users, notifier, logger)
	executor := NewBattleExecutor(ledger, preparer, metrics, logger)
	actions := NewBattleActionLog(db)
	sessions := NewSessionRegistry(config.battle, ledger, preparer, actions, rpcNode.Notify, metrics, logger)
	tokens := NewTokenManager(config.jwtSecret, defaultTokenTTL)

	NewRPCRouter(rpcNode, config, ledger, executor, sessions, actions, rosters, users, tokens, metrics, logger)
	httpAPI := NewHTTPAPI(ledger, executor, rosters, users, tokens, metrics, logger)

	sweeper := NewChallengeSweeper(config.battle, db, ledger, metrics, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("failed to start challenge sweeper", "error", err)
	}

	rpcListenAddr := config.server.RPCListenAddr
	rpcListenEndpoint := "/ws"
	rpcMux := http.NewServeMux()
	rpcMux.HandleFunc(rpcListenEndpoint, rpcNode.HandleConnection)

	rpcServer := &http.Server{
		Addr:    rpcListenAddr,
		Handler: rpcMux,
	}

	httpServer := &http.Server{
		Addr:    config.server.HTTPListenAddr,
		Handler: httpAPI.Echo(),
	}

	metricsListenAddr := config.server.MetricsListenAddr
	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	// Start metrics server on a separate port
	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", metricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("REST API available", "listenAddr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("REST server failure", "error", err)
		}
	}()

	// Start the main RPC server.
	go func() {
		logger.Info("RPC server available", "listenAddr", rpcListenAddr, "endpoint", rpcListenEndpoint)
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("RPC server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	sweeper.Stop()

	servers := map[string]*http.Server{
		"metrics": metricsServer,
		"REST":    httpServer,
		"RPC":     rpcServer,
	}
	for name, server := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down server", "server", name, "error", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions.Shutdown(ctx)

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "cleanup-duplicates":
		runCleanupDuplicatesCli(logger)
	case "purge-resolved":
		runPurgeResolvedCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}
