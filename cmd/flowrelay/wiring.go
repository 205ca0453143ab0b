package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentworkforce/flowrelay/internal/config"
	"github.com/agentworkforce/flowrelay/internal/relay"
)

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

type buildOptions struct {
	// OneShot skips the worker pool and the shared ledger.
	OneShot bool
}

// buildRelay assembles the relay and its collaborators from cfg.
func buildRelay(cfg config.Config, logger *slog.Logger, opts buildOptions) (*relay.Relay, *relay.Metrics, error) {
	outbound := &http.Client{Timeout: cfg.HTTPTimeout}
	resolver, err := relay.CompileResolver(relay.ResolverOptions{
		Key:           cfg.Workflow.OutputKey,
		Query:         cfg.Workflow.OutputQuery,
		DefaultScheme: cfg.Workflow.OutputScheme,
	})
	if err != nil {
		return nil, nil, err
	}

	var rl *relay.Relay
	metrics := relay.NewMetrics("flowrelay", func() float64 {
		if rl == nil {
			return 0
		}
		return float64(rl.QueueDepth())
	})

	driver := relay.NewDriver(relay.DriverOptions{
		Client: relay.NewCozeClient(relay.CozeClientOptions{
			BaseURL:   cfg.Workflow.BaseURL,
			Token:     cfg.Workflow.Token,
			UserAgent: "flowrelay/" + version,
		}),
		Resolver:      resolver,
		InputParam:    cfg.Workflow.InputParam,
		ResumeData:    cfg.Workflow.ResumeData,
		MaxInterrupts: cfg.Workflow.MaxInterrupts,
		RunTimeout:    cfg.Workflow.RunTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})

	mode := relay.NotifyMode(strings.ToLower(strings.TrimSpace(cfg.Chat.NotifyMode)))
	var credentials *relay.CredentialCache
	if mode != relay.NotifyWebhook {
		credentials = relay.NewCredentialCache(relay.CredentialCacheOptions{
			BaseURL:    cfg.Chat.APIBaseURL,
			AppID:      cfg.Chat.AppID,
			AppSecret:  cfg.Chat.AppSecret,
			HTTPClient: outbound,
			Logger:     logger,
		})
	}
	dispatcher, err := relay.NewDispatcher(relay.DispatcherOptions{
		Mode:        mode,
		WebhookURL:  cfg.Chat.WebhookURL,
		BaseURL:     cfg.Chat.APIBaseURL,
		Credentials: credentials,
		HTTPClient:  outbound,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, nil, err
	}

	ledgerDSN := cfg.Ingress.LedgerDSN
	if opts.OneShot {
		ledgerDSN = ""
	}
	ledger, err := relay.BuildLedgerFromDSN(ledgerDSN, relay.LedgerOptions{
		Window:     cfg.Ingress.LedgerWindow,
		MaxEntries: cfg.Ingress.LedgerMaxEntries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build ledger: %w", err)
	}

	rl, err = relay.New(relay.Options{
		Ledger:         ledger,
		Driver:         driver,
		Dispatcher:     dispatcher,
		Tracker:        relay.NewRunTracker(cfg.Ingress.RunHistory, logger),
		Metrics:        metrics,
		Workers:        cfg.Ingress.Workers,
		QueueSize:      cfg.Ingress.QueueSize,
		WorkflowID:     cfg.Workflow.WorkflowID,
		DefaultChatID:  cfg.Chat.DefaultChatID,
		RequireMention: cfg.Chat.RequireMention,
		BotOpenID:      cfg.Chat.BotOpenID,
		Logger:         logger,
		DisableWorkers: opts.OneShot,
	})
	if err != nil {
		_ = ledger.Close()
		return nil, nil, err
	}
	return rl, metrics, nil
}
