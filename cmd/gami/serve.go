package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/api"
	"github.com/gami/protocol-engine/internal/config"
	"github.com/gami/protocol-engine/internal/difficulty"
	"github.com/gami/protocol-engine/internal/emission"
	"github.com/gami/protocol-engine/internal/notify"
	"github.com/gami/protocol-engine/internal/policy"
	"github.com/gami/protocol-engine/internal/security"
	"github.com/gami/protocol-engine/internal/store"
)

const (
	agentEconomy  = "economy"
	agentQuest    = "quest"
	agentSecurity = "security"
	agentAll      = "all"
)

type serveOptions struct {
	agent string
	port  int
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an engine agent",
		Long: `Run one engine agent, or all three in one process.

With --agent all the engines are mounted under /economy, /quest and
/security and /health aggregates them.

Example:
  gami serve --agent economy --port 8001
  gami serve --agent all`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.agent {
			case agentEconomy, agentQuest, agentSecurity, agentAll:
			default:
				return fmt.Errorf("invalid agent %q: must be economy, quest, security or all", opts.agent)
			}
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.agent, "agent", agentAll, "engine to run (economy|quest|security|all)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port (overrides PORT)")
	return cmd
}

// backing holds the shared storage of an agent process.
type backing struct {
	store   store.Store
	cache   api.SimulationCache
	rdb     *redis.Client
	cleanup []func()
}

func (b *backing) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func openBacking(ctx context.Context, cfg config.Agent) (*backing, error) {
	b := &backing{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.store = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		b.rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.rdb.Close() })
		cached := store.NewCachedStore(b.store, b.rdb, cfg.CacheTTL)
		b.store = cached
		b.cache = cached
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return b, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	setupLogging(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBacking(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	g, ctx := errgroup.WithContext(ctx)
	var agents []api.Agent
	enabled := func(name string) bool { return opts.agent == agentAll || opts.agent == name }

	if enabled(agentEconomy) {
		ctrl, err := emission.NewController(ctx, emission.Config{
			BaseRate:            cfg.BaseRate,
			DeflationAdjustment: cfg.DeflationAdjustment,
			InflationThreshold:  cfg.InflationThreshold,
			HistoryLimit:        cfg.SimulationHistory,
			Workers:             cfg.SimulationWorkers,
			Seed:                cfg.Seed,
		}, b.store)
		if err != nil {
			return err
		}
		agents = append(agents, api.NewEconomy(ctrl, b.cache))
	}

	if enabled(agentQuest) {
		var table policy.Table = policy.NewMemoryTable()
		if cfg.PolicyDBPath != "" {
			sqlTable, err := policy.OpenSQLite(cfg.PolicyDBPath)
			if err != nil {
				return err
			}
			defer sqlTable.Close()
			table = sqlTable
			slog.Info("policy table opened", "path", cfg.PolicyDBPath, "entries", sqlTable.Len())
		}
		opt := difficulty.NewOptimizer(table, difficulty.Config{Epsilon: cfg.Epsilon, Seed: cfg.Seed})
		agents = append(agents, api.NewQuests(b.store, opt))
	}

	if enabled(agentSecurity) {
		hub := notify.NewHub()
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})

		notifier := notify.Fanout{hub}
		if b.rdb != nil {
			notifier = append(notifier, notify.NewRedisPublisher(b.rdb))
		}

		det := anomaly.NewDetector(anomaly.Config{
			Contamination:      cfg.Contamination,
			SybilStdMultiplier: cfg.SybilStdMultiplier,
			Seed:               cfg.Seed,
		})
		eng := security.NewEngine(b.store, det, security.NewGuard(b.store, notifier), security.Config{
			QueueSize:     cfg.IngestQueueSize,
			BatchSize:     cfg.IngestBatchSize,
			FlushInterval: cfg.IngestFlushInterval,
		})
		g.Go(func() error {
			eng.Run(ctx)
			return nil
		})
		agents = append(agents, api.NewSecurity(eng, hub))
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      api.NewRouter(agents...),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("gami agent listening", "agent", opts.agent, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down gami agent", "agent", opts.agent)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
