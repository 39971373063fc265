// Command chessd is the single server process that runs the HTTP/WebSocket
// accept loop, the matchmaking loop, the engine pool and its auto-scaler,
// the game sweeper, and the session-cleanup task, all coordinating through
// the Server-State Controller latch. See SPEC_FULL.md for the full process
// layout.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chessd/backend/internal/config"
	"github.com/chessd/backend/internal/db"
	"github.com/chessd/backend/internal/engine"
	"github.com/chessd/backend/internal/game"
	"github.com/chessd/backend/internal/httpapi"
	"github.com/chessd/backend/internal/matchmaking"
	"github.com/chessd/backend/internal/metrics"
	"github.com/chessd/backend/internal/ratelimit"
	"github.com/chessd/backend/internal/serverstate"
	"github.com/chessd/backend/internal/session"
	"github.com/chessd/backend/internal/ws"

	"log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Log()

	state := serverstate.New()

	sqlDB, err := db.Open(cfg.DBType, cfg.DBDSN)
	if err != nil {
		state.SignalError("database init: " + err.Error())
		log.Fatalf("database init failed: %v", err)
	}
	defer sqlDB.Close()

	sessions := session.NewStore(sqlDB, cfg.DBType, cfg.SessionCacheCap, cfg.UserSessionsCap, cfg.SessionTimeout)
	users := session.NewUserStore(sqlDB, cfg.DBType)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("[main] redis unavailable at %s, rate limiting will fail open: %v", cfg.RedisAddr, err)
	}
	defer redisClient.Close()
	limiter := ratelimit.NewLimiter(redisClient)

	pool := engine.New(engine.Config{
		EnginePath:   cfg.EnginePath,
		EngineArgs:   cfg.EngineArgs,
		MinInstances: cfg.MinInstances,
		MaxInstances: cfg.MaxInstances,
		QueueSize:    cfg.InstanceQueue,
	}, state)

	games := game.NewRegistry(pool, users)
	matcher := matchmaking.New(sessions, users, pool, games, state, cfg.MatchmakingStale)
	go matcher.Run()

	go runSweepLoop(state, games, cfg.SweepInterval)
	go runSessionCleanupLoop(state, sessions, cfg.SweepInterval*2)
	go runStatsLoop(state, pool, matcher, games, cfg.SweepInterval)

	api := &httpapi.API{
		Sessions:    sessions,
		Users:       users,
		Matchmaker:  matcher,
		Games:       games,
		RateLimiter: limiter,
		TLS:         false,
	}
	mux := api.Mux()

	if cfg.AdminAddr != "" {
		go serveAdminStats(cfg.AdminAddr, pool, matcher)
	}

	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameSize:   cfg.MaxFrameSize,
	}
	server := ws.NewServer(wsConfig, sessions, games, matcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received signal %v, initiating graceful shutdown...", sig)
		state.SignalShutdown("signal: " + sig.String())
		pool.Shutdown()
		if err := server.Shutdown(); err != nil {
			log.Printf("[main] server shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("[main] chessd starting on %s", cfg.ListenAddr)
	if err := server.Start(mux); err != nil && !state.ShouldShutdown() {
		state.SignalError("listen: " + err.Error())
		log.Fatalf("[main] server error: %v", err)
	}
}

// runSweepLoop co-locates the game-registry inactivity sweeper with the
// engine pool's own auto-scale cadence, per spec §4.E ("co-located with the
// engine auto-scale tick").
func runSweepLoop(state *serverstate.State, games *game.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-state.Done():
			return
		case <-ticker.C:
			games.Sweep(ctx)
		}
	}
}

// runSessionCleanupLoop bulk-deletes expired session rows on its own ticker,
// satisfying §5's "one session-cleanup task" without piggybacking on the
// engine/game sweep tick (session expiry and game inactivity are unrelated
// timeouts with independent, configurable periods).
func runSessionCleanupLoop(state *serverstate.State, sessions *session.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-state.Done():
			return
		case <-ticker.C:
			if n, err := sessions.CleanupExpired(ctx); err != nil {
				log.Printf("[session] cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[session] cleaned up %d expired sessions", n)
			}
		}
	}
}

// runStatsLoop refreshes the Prometheus gauges that summarize pool and
// matchmaking state, which otherwise only change as a side effect of calls
// this loop doesn't make.
func runStatsLoop(state *serverstate.State, pool *engine.Pool, matcher *matchmaking.Loop, games *game.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-state.Done():
			return
		case <-ticker.C:
			n, instances := pool.Stats()
			metrics.EngineInstances.Set(float64(n))
			var totalQ int
			for _, s := range instances {
				totalQ += s.QueueSize
			}
			metrics.EngineQueueDepth.Set(float64(totalQ))
			metrics.MatchmakingQueueSize.Set(float64(matcher.QueueDepth()))
			metrics.ActiveGames.Set(float64(games.Count()))
		}
	}
}

// serveAdminStats exposes GET /admin/stats on a loopback-bound debug port,
// per SPEC_FULL's supplemented "Stats endpoint" feature (grounded in §4.C's
// Statistics operation). It is off by default; cfg.AdminAddr must be set
// explicitly to enable it, and it carries no authentication of its own, so
// operators must bind it to loopback or a private network.
func serveAdminStats(addr string, pool *engine.Pool, matcher *matchmaking.Loop) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		n, instances := pool.Stats()
		type instanceStat struct {
			QueueSize      int     `json:"queue_size"`
			TasksProcessed int64   `json:"tasks_processed"`
			UptimeSeconds  float64 `json:"uptime_seconds"`
			IdleSeconds    float64 `json:"idle_seconds"`
		}
		out := struct {
			InstanceCount   int                  `json:"instance_count"`
			Instances       map[int]instanceStat `json:"instances"`
			MatchmakingSize int                  `json:"matchmaking_queue_size"`
		}{
			InstanceCount:   n,
			Instances:       make(map[int]instanceStat, len(instances)),
			MatchmakingSize: matcher.QueueDepth(),
		}
		for id, s := range instances {
			out.Instances[id] = instanceStat{
				QueueSize:      s.QueueSize,
				TasksProcessed: s.TasksProcessed,
				UptimeSeconds:  s.Uptime.Seconds(),
				IdleSeconds:    s.IdleTime.Seconds(),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	log.Printf("[main] admin stats listening on %s (loopback debug endpoint)", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[main] admin stats server error: %v", err)
	}
}
