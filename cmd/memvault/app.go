package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/compression"
	"github.com/fyrsmithlabs/memvault/internal/config"
	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/offload"
	"github.com/fyrsmithlabs/memvault/internal/pipeline"
	"github.com/fyrsmithlabs/memvault/internal/secrets"
	"github.com/fyrsmithlabs/memvault/internal/summarize"
	"github.com/fyrsmithlabs/memvault/internal/telemetry"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

// app holds every component built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	scrubber  secrets.Scrubber
	counter   tokens.Counter
	store     *memstore.Store
	gateway   *fetch.Gateway
	governor  *governor.Governor
	pipeline  *pipeline.Pipeline
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if storeRoot != "" {
		cfg.Store.Root = storeRoot
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// newApp wires the components in dependency order. Logs always go to
// stderr so stdout stays free for command output and the MCP stdio stream.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(ctx, telemetry.FromSection(cfg.Telemetry, version), nil)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSection(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Output = logging.OutputConfig{Stderr: true, OTEL: cfg.Telemetry.Enabled}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zl := logger.Underlying()

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	if err := a.build(zl); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) build(zl *zap.Logger) error {
	cfg := a.cfg

	secCfg, err := secrets.FromSection(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("loading secrets config: %w", err)
	}
	if a.scrubber, err = secrets.New(secCfg); err != nil {
		return fmt.Errorf("initializing scrubber: %w", err)
	}

	a.counter = tokens.New(cfg.Tokens.Encoding, zl)
	windows := tokens.NewWindows(cfg.Tokens.ContextWindows)

	var summarizerScrubber secrets.Scrubber
	if cfg.Summarizer.ScrubInput {
		summarizerScrubber = a.scrubber
	}
	summarizer, err := summarize.New(summarize.Config{
		Provider:          cfg.Summarizer.Provider,
		Model:             cfg.Summarizer.Model,
		APIKey:            cfg.Summarizer.APIKey.Value(),
		BaseURL:           cfg.Summarizer.BaseURL,
		RequestsPerMinute: cfg.Summarizer.RequestsPerMinute,
		Timeout:           cfg.Summarizer.Timeout.Duration(),
	}, a.counter, summarizerScrubber, zl)
	if err != nil {
		return fmt.Errorf("initializing summarizer: %w", err)
	}

	storeMetrics, err := memstore.NewMetrics(nil)
	if err != nil {
		return err
	}
	root := cfg.Store.Root
	if root == "" {
		root = memstore.DefaultRoot()
	}
	a.store, err = memstore.New(root,
		memstore.WithPolicy(memstore.Policy(cfg.Store.Compression)),
		memstore.WithLogger(zl),
		memstore.WithMetrics(storeMetrics),
	)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	offloadMetrics, err := offload.NewMetrics(nil)
	if err != nil {
		return err
	}
	gateOpts := []offload.Option{
		offload.WithConfig(offload.Config{
			ThresholdBytes: cfg.Offload.ThresholdBytes,
			PreviewChars:   cfg.Offload.PreviewChars,
			CompressBinary: cfg.Store.Compression != string(memstore.PolicyNone),
		}),
		offload.WithLogger(zl),
		offload.WithMetrics(offloadMetrics),
	}
	if cfg.Offload.ScrubPreview {
		gateOpts = append(gateOpts, offload.WithScrubber(a.scrubber))
	}
	gate, err := offload.New(a.store, a.counter, gateOpts...)
	if err != nil {
		return fmt.Errorf("initializing offload gate: %w", err)
	}

	compMetrics, err := compression.NewMetrics(nil)
	if err != nil {
		return err
	}
	comp, err := compression.New(summarizer, a.counter,
		compression.WithConfig(compression.Config{
			MaxSummaryTokens: cfg.Compression.MaxSummaryTokens,
			MaxRetries:       cfg.Compression.MaxRetries,
			AttemptTimeout:   cfg.Compression.AttemptTimeout.Duration(),
			BaseBackoff:      cfg.Compression.BaseBackoff.Duration(),
			EmitReport:       cfg.Compression.EmitReport,
		}),
		compression.WithLogger(zl),
		compression.WithMetrics(compMetrics),
	)
	if err != nil {
		return fmt.Errorf("initializing compressor: %w", err)
	}

	govMetrics, err := governor.NewMetrics(nil)
	if err != nil {
		return err
	}
	a.governor, err = governor.New(a.counter, windows,
		governor.WithThresholds(thresholdsFrom(cfg.Governor)),
		governor.WithLogger(zl),
		governor.WithMetrics(govMetrics),
	)
	if err != nil {
		return fmt.Errorf("initializing governor: %w", err)
	}

	fetchMetrics, err := fetch.NewMetrics(nil)
	if err != nil {
		return err
	}
	a.gateway, err = fetch.New(a.store,
		fetch.WithConfig(fetch.Config{
			MaxLines:      cfg.Fetch.MaxLines,
			MaxBytes:      int64(cfg.Fetch.MaxBytes),
			RatePerSecond: cfg.Fetch.RatePerSecond,
			Burst:         cfg.Fetch.Burst,
			PreviewBytes:  cfg.Fetch.PreviewBytes,
		}),
		fetch.WithLogger(zl),
		fetch.WithMetrics(fetchMetrics),
	)
	if err != nil {
		return fmt.Errorf("initializing fetch gateway: %w", err)
	}

	a.pipeline, err = pipeline.New(gate, comp, a.governor,
		pipeline.WithCounter(a.counter),
		pipeline.WithDefaultModel(cfg.Tokens.DefaultModel),
		pipeline.WithLogger(zl),
	)
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}
	return nil
}

func thresholdsFrom(sec config.GovernorConfig) governor.Thresholds {
	return governor.Thresholds{
		WarningRatio:   sec.WarningRatio,
		CriticalRatio:  sec.CriticalRatio,
		WarningTokens:  sec.WarningTokens,
		CriticalTokens: sec.CriticalTokens,
	}
}

// reload applies the parts of cfg that can change without a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	if err := a.governor.SetThresholds(thresholdsFrom(cfg.Governor)); err != nil {
		a.logger.Warn(ctx, "ignoring governor thresholds from reloaded config", zap.Error(err))
		return
	}
	a.logger.Info(ctx, "governor thresholds reloaded",
		zap.Float64("warning_ratio", cfg.Governor.WarningRatio),
		zap.Float64("critical_ratio", cfg.Governor.CriticalRatio),
		zap.Int("warning_tokens", cfg.Governor.WarningTokens),
		zap.Int("critical_tokens", cfg.Governor.CriticalTokens),
	)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.logger != nil {
		if err := a.logger.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
