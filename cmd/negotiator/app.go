package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/config"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/llm"
	"github.com/debt-negotiator/negotiator/internal/negotiation"
	"github.com/debt-negotiator/negotiator/internal/store"
	"github.com/debt-negotiator/negotiator/internal/strategy"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.SQLStore
	engine *negotiation.Engine
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// openApp loads the configuration and wires the engine. dryRun replaces the
// configured mail provider with a sender that only logs.
func openApp(ctx context.Context, dryRun bool) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	deps := negotiation.Deps{
		Store:    st,
		Profile:  cfg.Profile,
		From:     cfg.Email.From,
		Settings: cfg.Negotiation,
		Logger:   logger,
	}

	if dryRun {
		deps.Sender = email.NewDryRunSender(logger)
	} else {
		deps.Sender, err = email.NewSender(cfg.Email)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create email sender: %w", err)
		}
	}

	if err := wireModel(ctx, cfg, logger, &deps); err != nil {
		st.Close()
		return nil, err
	}

	engine, err := negotiation.New(deps)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, engine: engine}, nil
}

// wireModel puts the model-backed classifier, opt-out detector and letter
// generator in front of their deterministic fallbacks when AI is enabled.
func wireModel(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps *negotiation.Deps) error {
	if !cfg.AI.Enabled {
		logger.Info("AI disabled, using keyword classifier and letter templates")
		return nil
	}

	gen, err := llm.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	templates, err := strategy.NewTemplateGenerator()
	if err != nil {
		return err
	}

	timeout := cfg.AI.Timeout()
	deps.Classifier = classify.WithFallback(classify.NewModelClassifier(gen, timeout), classify.NewKeywordClassifier(), logger)
	deps.OptOut = classify.OptOutWithFallback(classify.NewModelOptOut(gen, timeout), classify.KeywordOptOut{}, logger)
	deps.Generator = strategy.WithFallback(strategy.NewModelGenerator(gen, timeout), templates, logger)

	logger.Info("AI enabled", zap.String("model", gen.Name()), zap.Duration("timeout", timeout))
	return nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close store: %v\n", err)
	}
	a.logger.Sync()
}
