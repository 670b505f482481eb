package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "BATTLENODE_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// BattleConfig controls pacing of live sessions and challenge upkeep.
type BattleConfig struct {
	TurnDelay           time.Duration `env:"BATTLENODE_TURN_DELAY" env-default:"1s"`
	SessionGracePeriod  time.Duration `env:"BATTLENODE_SESSION_GRACE_PERIOD" env-default:"30s"`
	PendingChallengeTTL time.Duration `env:"BATTLENODE_PENDING_CHALLENGE_TTL" env-default:"168h"`
	SweepSchedule       string        `env:"BATTLENODE_SWEEP_SCHEDULE" env-default:"0 */5 * * * *"`
}

// StatsConfig describes the upstream species data source and its caches.
type StatsConfig struct {
	BaseURL     string        `env:"BATTLENODE_POKEAPI_BASE" env-default:"https://pokeapi.co/api/v2"`
	Timeout     time.Duration `env:"BATTLENODE_POKEAPI_TIMEOUT" env-default:"5s"`
	CacheTTL    time.Duration `env:"BATTLENODE_STATS_CACHE_TTL" env-default:"24h"`
	FallbackTTL time.Duration `env:"BATTLENODE_STATS_FALLBACK_TTL" env-default:"1m"`
}

// RedisConfig enables the shared stats cache tier when Addr is set.
type RedisConfig struct {
	Addr     string `env:"BATTLENODE_REDIS_ADDR" env-default:""`
	Password string `env:"BATTLENODE_REDIS_PASSWORD" env-default:""`
	DB       int    `env:"BATTLENODE_REDIS_DB" env-default:"0"`
}

// NatsConfig enables offline push delivery when URL is set.
type NatsConfig struct {
	URL           string `env:"BATTLENODE_NATS_URL" env-default:""`
	SubjectPrefix string `env:"BATTLENODE_NATS_SUBJECT_PREFIX" env-default:"battlenode.push"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	RPCListenAddr     string `env:"BATTLENODE_RPC_LISTEN_ADDR" env-default:":8000"`
	HTTPListenAddr    string `env:"BATTLENODE_HTTP_LISTEN_ADDR" env-default:":8080"`
	MetricsListenAddr string `env:"BATTLENODE_METRICS_LISTEN_ADDR" env-default:":4242"`
}

// Config represents the overall application configuration
type Config struct {
	mode      Mode
	dbConf    DatabaseConfig
	redisConf RedisConfig
	natsConf  NatsConfig
	battle    BattleConfig
	stats     StatsConfig
	server    ServerConfig
	jwtSecret string
	species   SpeciesCatalog
}

// LoadConfig builds configuration from environment variables
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode := Mode(os.Getenv("BATTLENODE_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		logger.Fatal("invalid BATTLENODE_MODE value", "value", mode)
	}
	logger.Info("set mode", "value", mode)

	// BATTLENODE_DATABASE_URL takes precedence over the individual variables.
	var dbConf DatabaseConfig
	if dbURL := os.Getenv("BATTLENODE_DATABASE_URL"); dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&dbConf); err != nil {
		logger.Error("failed to read env", "err", err)
		return nil, err
	}

	config := Config{
		mode:   mode,
		dbConf: dbConf,
	}

	for _, section := range []any{&config.redisConf, &config.natsConf, &config.battle, &config.stats, &config.server} {
		if err := cleanenv.ReadEnv(section); err != nil {
			logger.Error("failed to read env", "err", err)
			return nil, err
		}
	}
	logger.Info("set battle pacing",
		"turnDelay", config.battle.TurnDelay,
		"gracePeriod", config.battle.SessionGracePeriod,
		"pendingTTL", config.battle.PendingChallengeTTL)

	config.jwtSecret = os.Getenv("BATTLENODE_JWT_SECRET")
	if config.jwtSecret == "" {
		if mode == ModeProduction {
			logger.Fatal("BATTLENODE_JWT_SECRET environment variable is required")
		}
		logger.Warn("BATTLENODE_JWT_SECRET is not set, clients are trusted to declare their user id")
	}

	species, err := LoadSpeciesCatalog(configDirPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("failed to load species catalog", "error", err)
			return nil, err
		}
		logger.Info("species catalog not found, relying on the upstream source")
		species = SpeciesCatalog{}
	}
	config.species = species

	return &config, nil
}
