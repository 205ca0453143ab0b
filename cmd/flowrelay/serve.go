package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/agentworkforce/flowrelay/internal/config"
	"github.com/agentworkforce/flowrelay/internal/httpapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type serveOptions struct {
	*rootOptions
	ShutdownTimeout time.Duration
	WatchConfig     bool

	// onListen is called with the bound address once the listener is open.
	onListen func(net.Addr)
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept chat callbacks and run the workflow for each document link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for in-flight runs on shutdown")
	cmd.Flags().BoolVar(&opts.WatchConfig, "watch-config", true, "reload the verification token when the config file changes")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.rootOptions)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rl, metrics, err := buildRelay(cfg, logger, buildOptions{})
	if err != nil {
		return err
	}
	server, err := httpapi.NewServer(rl, metrics, httpapi.ServerConfig{
		VerificationToken: cfg.Chat.VerificationToken,
		EncryptKey:        cfg.Chat.EncryptKey,
		JWTSecret:         cfg.Admin.JWTSecret,
		AdminRateLimit:    cfg.Admin.RateLimit,
		AdminRateBurst:    cfg.Admin.RateBurst,
		MaxBodyBytes:      cfg.Ingress.MaxBodyBytes,
		Service:           "flowrelay",
		Version:           version,
		Logger:            logger,
	})
	if err != nil {
		rl.Close()
		return err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		rl.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	if opts.onListen != nil {
		opts.onListen(listener.Addr())
	}
	httpServer := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("flowrelay listening", "addr", listener.Addr().String(), "workflow_id", cfg.Workflow.WorkflowID, "notify_mode", cfg.Chat.NotifyMode)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if opts.WatchConfig && opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.ConfigPath, 0, logger, func(next config.Config) {
				if next.Chat.VerificationToken == "" {
					logger.Warn("reloaded config has no verification token, keeping the current one")
					return
				}
				server.SetVerificationToken(next.Chat.VerificationToken)
				logger.Info("verification token reloaded")
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", opts.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		relayErr := rl.Shutdown(shutdownCtx)
		return errors.Join(httpErr, relayErr)
	})

	err = g.Wait()
	logger.Info("flowrelay stopped")
	return err
}
