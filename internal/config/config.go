// Package config loads server configuration from an optional .env file plus
// environment variable overrides, following the same flag+dotenv loading
// style used elsewhere in this codebase's ancestry.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   int64

	DBType       string // "sqlite" or "postgres"
	DBDSN        string
	MigrationsDir string

	RedisAddr string
	RedisDB   int

	EnginePath      string
	EngineArgs      []string
	MinInstances    int
	MaxInstances    int
	InstanceQueue   int
	EngineCallTimeout time.Duration

	SessionTimeout      time.Duration
	MatchmakingStale    time.Duration
	MatchmakingTick     time.Duration
	GameInactivityLimit time.Duration
	SweepInterval       time.Duration

	SessionCacheCap  int
	UserSessionsCap  int

	AdminAddr string // loopback debug endpoint, empty disables it
}

// Default returns a Config populated with the same defaults the spec names:
// 10 max engine instances, 1 min, 100-deep per-instance queues, a 600s
// session timeout, a 1800s game-inactivity limit, a 300s matchmaking
// staleness threshold.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   10000,

		DBType:        "sqlite",
		DBDSN:         "chessd.db",
		MigrationsDir: "internal/db/migrations",

		RedisAddr: "localhost:6379",
		RedisDB:   0,

		EnginePath:        "stockfish",
		EngineArgs:        nil,
		MinInstances:      1,
		MaxInstances:      10,
		InstanceQueue:     100,
		EngineCallTimeout: 5 * time.Second,

		SessionTimeout:      600 * time.Second,
		MatchmakingStale:    300 * time.Second,
		MatchmakingTick:     500 * time.Millisecond,
		GameInactivityLimit: 1800 * time.Second,
		SweepInterval:       5 * time.Second,

		SessionCacheCap: 1000,
		UserSessionsCap: 250,

		AdminAddr: "",
	}
}

// Load reads an optional .env file (path from -env, default ".env"; missing
// file is not an error, mirroring how this corpus treats a missing dotenv as
// "use defaults + real environment") and then applies environment variable
// overrides on top of Default().
func Load() (Config, error) {
	envPath := flag.String("env", ".env", "path to .env configuration file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading %s: %w", *envPath, err)
	}

	cfg := Default()
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	int64s := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	durs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	ints("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	ints("MAX_CONNECTIONS", &cfg.MaxConnections)
	durs("READ_TIMEOUT", &cfg.ReadTimeout)
	durs("WRITE_TIMEOUT", &cfg.WriteTimeout)
	int64s("MAX_FRAME_SIZE", &cfg.MaxFrameSize)

	str("DB_TYPE", &cfg.DBType)
	str("DB_DSN", &cfg.DBDSN)
	str("MIGRATIONS_DIR", &cfg.MigrationsDir)

	str("REDIS_ADDR", &cfg.RedisAddr)
	ints("REDIS_DB", &cfg.RedisDB)

	str("ENGINE_PATH", &cfg.EnginePath)
	if v := os.Getenv("ENGINE_ARGS"); v != "" {
		cfg.EngineArgs = strings.Fields(v)
	}
	ints("MIN_INSTANCES", &cfg.MinInstances)
	ints("MAX_INSTANCES", &cfg.MaxInstances)
	ints("INSTANCE_QUEUE", &cfg.InstanceQueue)
	durs("ENGINE_CALL_TIMEOUT", &cfg.EngineCallTimeout)

	durs("SESSION_TIMEOUT", &cfg.SessionTimeout)
	durs("MATCHMAKING_STALE", &cfg.MatchmakingStale)
	durs("MATCHMAKING_TICK", &cfg.MatchmakingTick)
	durs("GAME_INACTIVITY_LIMIT", &cfg.GameInactivityLimit)
	durs("SWEEP_INTERVAL", &cfg.SweepInterval)

	ints("SESSION_CACHE_CAP", &cfg.SessionCacheCap)
	ints("USER_SESSIONS_CAP", &cfg.UserSessionsCap)

	str("ADMIN_ADDR", &cfg.AdminAddr)
}

func validate(cfg Config) error {
	if cfg.DBType != "sqlite" && cfg.DBType != "postgres" {
		return fmt.Errorf("config: DB_TYPE must be sqlite or postgres, got %q", cfg.DBType)
	}
	if cfg.MinInstances < 0 || cfg.MaxInstances < cfg.MinInstances {
		return fmt.Errorf("config: MAX_INSTANCES (%d) must be >= MIN_INSTANCES (%d)", cfg.MaxInstances, cfg.MinInstances)
	}
	if cfg.InstanceQueue <= 0 {
		return fmt.Errorf("config: INSTANCE_QUEUE must be positive")
	}
	return nil
}

// Log prints the resolved configuration, matching this codebase's habit of
// echoing startup config to the log rather than a structured logger.
func (c Config) Log() {
	log.Printf("chessd config:")
	log.Printf("  listen_addr:        %s", c.ListenAddr)
	log.Printf("  worker_pool:        %d", c.WorkerPoolSize)
	log.Printf("  max_connections:    %d", c.MaxConnections)
	log.Printf("  db:                 %s %s", c.DBType, c.DBDSN)
	log.Printf("  redis_addr:         %s", c.RedisAddr)
	log.Printf("  engine_path:        %s", c.EnginePath)
	log.Printf("  engine_instances:   min=%d max=%d queue=%d", c.MinInstances, c.MaxInstances, c.InstanceQueue)
	log.Printf("  session_timeout:    %s", c.SessionTimeout)
	log.Printf("  game_inactivity:    %s", c.GameInactivityLimit)
}
