package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/intentforge/core/pkg/config"
	"github.com/intentforge/core/pkg/costoracle"
	"github.com/intentforge/core/pkg/eventstore"
	"github.com/intentforge/core/pkg/orchestrator"
)

// runGenerate runs one generation against the locally configured stack and
// prints the result as JSON.
func runGenerate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	intent := fs.String("intent", "", "intent text (required)")
	language := fs.String("language", "python", "target language")
	model := fs.String("model", "", "model id (default from config)")
	actor := fs.String("actor", "cli", "actor id for the audit trail")
	complexity := fs.String("complexity", "medium", "simple|medium|complex|very_complex")
	adaptive := fs.Bool("adaptive", false, "adaptive one-at-a-time generation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *intent == "" {
		fmt.Fprintln(stderr, "generate: -intent is required")
		return 2
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	req := orchestrator.Request{
		Intent:     *intent,
		Language:   *language,
		Model:      *model,
		ActorID:    *actor,
		Complexity: costoracle.Complexity(*complexity),
	}
	run := rt.orchestrator.RunFull
	if *adaptive {
		run = rt.orchestrator.RunAdaptive
	}
	res, err := run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "generate: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	return 0
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	return withStore(args, "audit", stderr, func(ctx context.Context, store eventstore.Store, id string) (any, error) {
		return store.AuditLog(ctx, id, 100)
	}, stdout)
}

func runCosts(args []string, stdout, stderr io.Writer) int {
	return withStore(args, "costs", stderr, func(ctx context.Context, store eventstore.Store, id string) (any, error) {
		return store.CostLedger(ctx, id)
	}, stdout)
}

func runUndo(args []string, stdout, stderr io.Writer) int {
	return withStore(args, "undo", stderr, func(ctx context.Context, store eventstore.Store, id string) (any, error) {
		return store.Undo(ctx, id, "cli")
	}, stdout)
}

func runChain(args []string, stdout, stderr io.Writer) int {
	return withStore(args, "chain", stderr, func(ctx context.Context, store eventstore.Store, id string) (any, error) {
		if err := store.VerifyChain(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"aggregate_id": id, "chain": "valid"}, nil
	}, stdout)
}

// runExport writes the certificate bundle for an aggregate to stdout. It
// needs the full runtime because bundles are signed by the authority.
func runExport(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: forge export <ivcu-id>")
		return 2
	}
	ctx := context.Background()
	rt, err := buildRuntime(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	state, err := rt.store.State(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if state.CertificateID == "" {
		fmt.Fprintln(stderr, "export: no certificate issued for aggregate")
		return 1
	}
	cert, err := rt.authority.Status(state.CertificateID)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	bundle, err := rt.authority.Export(cert, state.Code)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	printJSON(stdout, bundle)
	return 0
}

// withStore opens only the event store for read/repair subcommands.
func withStore(args []string, name string, stderr io.Writer, fn func(context.Context, eventstore.Store, string) (any, error), stdout io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: forge %s <ivcu-id>\n", name)
		return 2
	}
	cfg := config.Load()
	ctx := context.Background()

	store, closeStore, err := openStoreOnly(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	defer closeStore()

	out, err := fn(ctx, store, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	printJSON(stdout, out)
	return 0
}

func openStoreOnly(cfg *config.Config) (eventstore.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := eventstore.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
	db, err := sql.Open("sqlite", cfg.EventDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := eventstore.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
