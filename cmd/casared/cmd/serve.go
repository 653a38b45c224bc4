package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/audit"
	"github.com/omerlefaruk/CasareRPA-sub002/dispatch"
	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/observability"
	"github.com/omerlefaruk/CasareRPA-sub002/rcp"
	"github.com/omerlefaruk/CasareRPA-sub002/resilience"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
	"github.com/omerlefaruk/CasareRPA-sub002/store/memory"
	"github.com/omerlefaruk/CasareRPA-sub002/store/postgres"
	redisstore "github.com/omerlefaruk/CasareRPA-sub002/store/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Long: `serve starts the orchestration core: the job queue backend, the
dispatcher, the recovery sweeper, the robot protocol endpoint, and the
metrics endpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// tokenConfig is the config-file shape of one fleet credential.
type tokenConfig struct {
	Token        string   `mapstructure:"token"`
	Subject      string   `mapstructure:"subject"`
	Environments []string `mapstructure:"environments"`
}

// limitConfig is the config-file shape of one environment limit.
type limitConfig struct {
	Environment string  `mapstructure:"environment"`
	MaxInFlight int     `mapstructure:"max_in_flight"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := casare.DefaultConfig()
	cfg.DispatchInterval = viper.GetDuration("dispatch.interval")
	cfg.RecoveryInterval = viper.GetDuration("recovery.sweep_interval")
	cfg.LeaseDuration = viper.GetDuration("dispatch.lease")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat.interval")
	cfg.ClaimBatchLimit = viper.GetInt("dispatch.batch_limit")
	cfg.Strategy = viper.GetString("dispatch.strategy")
	cfg.CancelAckTimeout = viper.GetDuration("dispatch.cancel_ack_timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown.timeout")

	// Store backend. The memory driver is for development and tests;
	// postgres is the durable production backend.
	var (
		lifecycle  casare.Storer
		queue      job.Queue
		robotStore robot.Store
		dlqStore   dlq.Store
	)
	driver := viper.GetString("store.driver")
	switch driver {
	case "memory":
		m := memory.New()
		lifecycle, queue, robotStore, dlqStore = m, m, m, m
	case "postgres":
		dsn := viper.GetString("store.postgres.dsn")
		if dsn == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
		pg, err := postgres.New(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		lifecycle, queue, robotStore, dlqStore = pg, pg, pg, pg
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}

	if err := lifecycle.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Optional Redis presence backend. Robot liveness moves to Redis so
	// several orchestrator instances share one fleet view; jobs and the
	// DLQ stay on the primary store.
	if addr := viper.GetString("store.redis.addr"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		rs := redisstore.New(client, redisstore.WithLogger(logger))
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		robotStore = rs
		logger.Info("robot presence on redis", "addr", addr)
	}

	hooks := hook.NewRegistry(logger)
	metrics := observability.NewMetricsExtension()
	hooks.Register(metrics)
	if viper.GetBool("audit.enabled") {
		hooks.Register(audit.New(audit.NewSlogRecorder(logger)))
	}

	heartbeatGrace := viper.GetDuration("heartbeat.grace")
	registry := robot.NewRegistry(robotStore, heartbeatGrace, logger)
	dlqSvc := dlq.NewService(dlqStore, queue)

	policy := resilience.RetryPolicy{
		MaxRetries: viper.GetInt("retry.max_retries"),
		BaseDelay:  viper.GetDuration("retry.base_delay"),
		Multiplier: viper.GetFloat64("retry.multiplier"),
		MaxDelay:   viper.GetDuration("retry.max_delay"),
		Jitter:     true,
	}

	sweeper := resilience.NewManager(queue, registry, dlqSvc, hooks, logger,
		resilience.WithSweepInterval(cfg.RecoveryInterval),
		resilience.WithRobotTimeout(viper.GetDuration("recovery.robot_timeout")),
		resilience.WithRetryPolicy(policy),
	)

	handler := rcp.NewHandler(queue, registry, dlqSvc, hooks, policy,
		cfg.HeartbeatInterval, cfg.LeaseDuration, logger)

	auth, err := buildAuthenticator(logger)
	if err != nil {
		return err
	}
	server := rcp.NewServer(handler, logger,
		rcp.WithListenAddr(viper.GetString("server.listen")),
		rcp.WithPath(viper.GetString("server.path")),
		rcp.WithAuthenticator(auth),
		rcp.WithHeartbeatGrace(heartbeatGrace),
	)

	strategy, err := dispatch.ForName(cfg.Strategy)
	if err != nil {
		return err
	}
	limits, err := buildLimits()
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(queue, registry, server, hooks, logger,
		dispatch.WithInterval(cfg.DispatchInterval),
		dispatch.WithLease(cfg.LeaseDuration),
		dispatch.WithStrategy(strategy),
		dispatch.WithBatchLimit(cfg.ClaimBatchLimit),
		dispatch.WithLimits(limits),
		dispatch.WithCancelAckTimeout(cfg.CancelAckTimeout),
	)
	hooks.Register(dispatcher)

	orch, err := casare.New(
		casare.WithConfig(cfg),
		casare.WithLogger(logger),
		casare.WithStore(lifecycle),
	)
	if err != nil {
		return err
	}
	orch.SetSweeper(sweeper)
	orch.SetDispatcher(dispatcher)
	orch.SetServer(server)

	metricsSrv := startMetricsServer(metrics, lifecycle, logger)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	logger.Info("casared started",
		"listen", viper.GetString("server.listen"),
		"store", driver,
		"strategy", strategy.Name(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return orch.Stop(shutdownCtx)
}

// buildAuthenticator reads fleet tokens from config. With no tokens
// configured every connection is accepted, which is only acceptable in
// development.
func buildAuthenticator(logger *slog.Logger) (rcp.Authenticator, error) {
	var tokens []tokenConfig
	if err := viper.UnmarshalKey("server.tokens", &tokens); err != nil {
		return nil, fmt.Errorf("parse server.tokens: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("no fleet tokens configured, accepting all connections")
		return &rcp.NoopAuthenticator{}, nil
	}

	entries := make([]rcp.TokenEntry, 0, len(tokens))
	for _, t := range tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("server.tokens entry %q has an empty token", t.Subject)
		}
		entries = append(entries, rcp.TokenEntry{
			Token: t.Token,
			Identity: rcp.Identity{
				Subject:      t.Subject,
				Environments: t.Environments,
			},
		})
	}
	return rcp.NewTokenAuthenticator(entries...), nil
}

// buildLimits reads per-environment dispatch limits from config.
func buildLimits() (*dispatch.Limits, error) {
	var raw []limitConfig
	if err := viper.UnmarshalKey("dispatch.limits", &raw); err != nil {
		return nil, fmt.Errorf("parse dispatch.limits: %w", err)
	}

	configs := make([]dispatch.LimitConfig, 0, len(raw))
	for _, l := range raw {
		if l.Environment == "" {
			return nil, fmt.Errorf("dispatch.limits entry missing environment")
		}
		configs = append(configs, dispatch.LimitConfig{
			Environment: l.Environment,
			MaxInFlight: l.MaxInFlight,
			RateLimit:   l.RateLimit,
			RateBurst:   l.RateBurst,
		})
	}
	return dispatch.NewLimits(configs...), nil
}

// startMetricsServer serves /metrics and /healthz on its own listener.
func startMetricsServer(metrics *observability.MetricsExtension, store casare.Storer, logger *slog.Logger) *http.Server {
	addr := viper.GetString("metrics.listen")
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
