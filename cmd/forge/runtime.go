package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/intentforge/core/pkg/bandit"
	"github.com/intentforge/core/pkg/bus"
	"github.com/intentforge/core/pkg/cache"
	"github.com/intentforge/core/pkg/certify"
	"github.com/intentforge/core/pkg/config"
	"github.com/intentforge/core/pkg/costoracle"
	"github.com/intentforge/core/pkg/eventstore"
	"github.com/intentforge/core/pkg/kv"
	"github.com/intentforge/core/pkg/memory"
	"github.com/intentforge/core/pkg/observability"
	"github.com/intentforge/core/pkg/orchestrator"
	"github.com/intentforge/core/pkg/policy"
	"github.com/intentforge/core/pkg/projection"
	"github.com/intentforge/core/pkg/router"
	"github.com/intentforge/core/pkg/sandbox"
	"github.com/intentforge/core/pkg/verify"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// runtime holds every wired component for the server and the generate
// subcommand. Close releases them in reverse construction order.
type runtime struct {
	cfg          *config.Config
	store        eventstore.Store
	orchestrator *orchestrator.Orchestrator
	authority    *certify.Authority
	router       *router.Router
	engine       *projection.Engine
	kv           kv.Store
	telemetry    *observability.Provider

	closers []func()
}

func (r *runtime) Close(ctx context.Context) {
	if r.engine != nil {
		if err := r.engine.Stop(); err != nil {
			slog.Warn("projection engine stop failed", "error", err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	if r.telemetry != nil {
		_ = r.telemetry.Shutdown(ctx)
	}
}

// buildRuntime is the composition root: every component is constructed
// explicitly from config, no package-level singletons.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	setupLogging(cfg.LogLevel)
	rt := &runtime{cfg: cfg}

	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		rt.telemetry = provider
	}

	store, err := openEventStore(cfg, rt)
	if err != nil {
		return nil, err
	}
	rt.store = store

	var eventBus bus.Bus
	var kvStore kv.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		eventBus = bus.NewRedisBus(client)
		kvStore = kv.NewRedisStore(client)
	} else {
		mb := bus.NewMemoryBus()
		rt.closers = append(rt.closers, func() { _ = mb.Close() })
		eventBus = mb
		kvStore = kv.NewMemoryStore()
	}
	rt.kv = kvStore

	retriever := memory.NewInMemoryRetriever()
	stats, err := openStats(cfg, rt)
	if err != nil {
		return nil, err
	}
	rt.engine = projection.NewEngine(eventBus, kvStore, projection.DefaultHandlers(retriever, stats))
	if err := rt.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("projection engine: %w", err)
	}

	gate := policy.NewGate()

	catalog := costoracle.DefaultCatalog()
	if cfg.ModelCatalogPath != "" {
		catalog, err = costoracle.LoadCatalog(cfg.ModelCatalogPath)
		if err != nil {
			return nil, fmt.Errorf("model catalog: %w", err)
		}
	}
	oracle := costoracle.NewOracle(catalog, cfg.SessionBudgetMicroUSD)

	selector, err := bandit.NewSelector(bandit.NewFileStore(cfg.BanditStatePath))
	if err != nil {
		return nil, fmt.Errorf("bandit: %w", err)
	}

	modelRouter := router.New(router.WithProviderRPS(cfg.ProviderRPS))
	if cfg.OpenAIAPIKey != "" {
		var popts []router.OpenAIOption
		if cfg.OpenAIBaseURL != "" {
			popts = append(popts, router.WithBaseURL(cfg.OpenAIBaseURL))
		}
		provider := router.NewOpenAIProvider("openai", cfg.OpenAIAPIKey, []string{cfg.DefaultModel}, popts...)
		modelRouter.RegisterProvider("openai", provider)
	}
	rt.router = modelRouter

	pool := sandbox.NewPool(cfg.SandboxWorkers, cfg.SandboxQueue, sandbox.NewProcessSandbox())
	rt.closers = append(rt.closers, pool.Close)

	tier3 := verify.DefaultTier3()
	orchestra := verify.NewOrchestra(
		verify.WithTier1(verify.DefaultTier1(gate)...),
		verify.WithTier2(verify.DefaultTier2(pool, modelRouter.Chat, cfg.DefaultModel)...),
		verify.WithTier3(tier3...),
	)

	ledger, err := certify.NewSQLiteLedger(cfg.CertLedgerPath)
	if err != nil {
		return nil, fmt.Errorf("certificate ledger: %w", err)
	}
	authority, err := certify.GenerateAuthority(ledger, certify.WithTTL(cfg.CertTTL))
	if err != nil {
		return nil, fmt.Errorf("certificate authority: %w", err)
	}
	rt.authority = authority

	ocfg := orchestrator.DefaultConfig()
	ocfg.DefaultModel = cfg.DefaultModel
	ocfg.MaxRequestMicroUSD = cfg.MaxRequestMicroUSD
	ocfg.SessionBudgetMicroUSD = cfg.SessionBudgetMicroUSD
	rt.orchestrator = orchestrator.New(
		store, gate, oracle, selector, modelRouter, orchestra, authority, ocfg,
		orchestrator.WithCache(cache.New()),
		orchestrator.WithRetriever(retriever),
		orchestrator.WithBus(eventBus),
	)
	return rt, nil
}

// openEventStore prefers Postgres when DATABASE_URL is set, SQLite otherwise.
func openEventStore(cfg *config.Config, rt *runtime) (eventstore.Store, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		store, err := eventstore.NewPostgresStore(db)
		if err != nil {
			return nil, fmt.Errorf("postgres event store: %w", err)
		}
		return store, nil
	}
	db, err := sql.Open("sqlite", cfg.EventDBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	store, err := eventstore.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: %w", err)
	}
	return store, nil
}

func openStats(cfg *config.Config, rt *runtime) (projection.Stats, error) {
	if cfg.DatabaseURL == "" {
		return projection.NewMemoryStats(), nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres stats: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	stats, err := projection.NewPostgresStats(db)
	if err != nil {
		return nil, fmt.Errorf("projection stats: %w", err)
	}
	return stats, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
