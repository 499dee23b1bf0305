package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gami/protocol-engine/internal/config"
	"github.com/gami/protocol-engine/internal/notify"
	"github.com/gami/protocol-engine/internal/supervisor"
)

type supervisorOptions struct {
	transport string
	addr      string
}

func newSupervisorCommand() *cobra.Command {
	opts := &supervisorOptions{}
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run the MCP supervisor in front of the engine agents",
		Long: `Run the supervisor. It exposes the engines as MCP tools, polls their
health and, when REDIS_URL is set, relays circuit-breaker signals to
WebSocket subscribers.

Example:
  gami supervisor --addr :8800
  gami supervisor --transport stdio`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.transport, "transport", "", "MCP transport (http|stdio), overrides MCP_TRANSPORT")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides SUPERVISOR_ADDR")
	return cmd
}

func runSupervisor(ctx context.Context, opts *supervisorOptions) error {
	cfg, err := config.LoadSupervisor()
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	switch opts.transport {
	case "":
	case "http", "stdio":
		cfg.Transport = opts.transport
	default:
		return fmt.Errorf("invalid transport %q: must be http or stdio", opts.transport)
	}

	// stdout carries the MCP stream under stdio.
	logOut := os.Stdout
	if cfg.Transport == "stdio" {
		logOut = os.Stderr
	}
	setupLogging(logOut, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(supervisor.Config{
		EconomyURL:     cfg.EconomyURL,
		QuestURL:       cfg.QuestURL,
		SecurityURL:    cfg.SecurityURL,
		HealthInterval: cfg.HealthInterval,
		Timeouts: supervisor.Timeouts{
			Connect: cfg.ConnectTimeout,
			Request: cfg.RequestTimeout,
		},
	})
	sup.Start(ctx)
	defer sup.Close()

	if cfg.Transport == "stdio" {
		slog.Info("gami supervisor serving MCP on stdio")
		return sup.ServeStdio(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)

	var hub *notify.Hub
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		hub = notify.NewHub()
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			if err := notify.Relay(ctx, rdb, hub); err != nil {
				slog.Warn("circuit-breaker relay stopped", "err", err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     sup.Handler(hub),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("gami supervisor listening", "addr", cfg.Addr,
			"economy", cfg.EconomyURL, "quest", cfg.QuestURL, "security", cfg.SecurityURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down gami supervisor")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
