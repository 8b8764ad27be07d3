package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/config"
	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/proof"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retention"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

// app is the wired service graph shared by serve and the one-shot commands.
type app struct {
	cfg    *config.Config
	policy *config.Policy
	db     *database.DB

	events    *ledger.SQLStore
	sink      *deadletter.FileSink
	signing   *signing.Service
	pipeline  *ledger.Pipeline
	keys      *keylifecycle.Service
	anchors   *anchoring.SQLStore
	anchoring *anchoring.Service
	proofs    *proof.Service
	retention *retention.Enforcer
}

// loadConfig parses the environment and installs the default logger.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg, stderr))
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openDatabase connects to DATABASE_URL, or to the lite-mode SQLite file.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if cfg.LiteMode() {
		slog.InfoContext(ctx, "DATABASE_URL not set, using lite mode", "path", cfg.SQLitePath())
		return database.OpenSQLite(ctx, cfg.SQLitePath())
	}
	return database.Open(ctx, cfg.DatabaseURL)
}

type initializer interface {
	Init(ctx context.Context) error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, cfg, policy, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, policy *config.Policy, db *database.DB) (*app, error) {
	a := &app{cfg: cfg, policy: policy, db: db}

	a.events = ledger.NewSQLStore(db)
	meta := signing.NewSQLMetadataStore(db)
	requests := keylifecycle.NewSQLStore(db)
	a.anchors = anchoring.NewSQLStore(db)
	for _, s := range []initializer{a.events, meta, requests, a.anchors} {
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
	}

	alg, err := signing.ParseAlgorithm(cfg.SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	vault, err := signing.OpenVault(cfg.KeystoreFile(), cfg.KeystoreSecret)
	if err != nil {
		return nil, err
	}
	a.signing = signing.NewService(meta, vault, alg)

	if a.sink, err = deadletter.NewFileSink(cfg.DeadLetterFile(), policy.DeadLetterRotation()); err != nil {
		return nil, err
	}
	a.pipeline = ledger.NewPipeline(a.events, a.sink,
		ledger.WithSigner(a.signing),
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
	)

	dual, err := policy.DualControlPolicy()
	if err != nil {
		return nil, err
	}
	a.keys = keylifecycle.NewService(requests, requests, a.signing, a.pipeline, dual, policy.KeyLifecycleConfig())

	store, err := artifacts.New(ctx, cfg.ArtifactStore())
	if err != nil {
		return nil, err
	}
	chain, err := newChain(cfg)
	if err != nil {
		return nil, err
	}
	a.anchoring = anchoring.NewService(a.anchors, a.events, chain, store, policy.AnchoringConfig(cfg.Anchor.Confirmations))
	a.proofs = proof.NewService(a.events, a.signing, a.anchors)
	a.retention = retention.NewEnforcer(policy.RetentionPolicy(), a.sink, artifacts.NewFileOffloader(store))
	return a, nil
}

// newChain selects the JSON-RPC node when ANCHOR_RPC_URL is set. The local
// chain keeps no state across processes, so it only suits serve and tests.
func newChain(cfg *config.Config) (anchoring.Chain, error) {
	if cfg.UseLocalChain() {
		return anchoring.NewLocalChain(), nil
	}
	c, err := anchoring.NewJSONRPCChain(cfg.JSONRPC())
	if err != nil {
		return nil, fmt.Errorf("anchoring chain: %w", err)
	}
	return c, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
