package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retention"
)

// withApp loads configuration, wires the service graph and runs fn.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// runVerifyCmd checks an export file offline or a live database. Integrity
// failures exit 1 and print the failing event.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "Export file to verify offline")
	dsn := fs.String("db", "", "Database to verify (defaults to the configured one)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file != "" && *dsn != "" {
		_, _ = fmt.Fprintln(stderr, "verify: --file and --db are mutually exclusive")
		return 2
	}

	if *file != "" {
		return verifyFile(*file, stdout, stderr)
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	var db *database.DB
	if *dsn != "" {
		db, err = database.Open(ctx, *dsn)
	} else {
		db, err = openDatabase(ctx, cfg)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store := ledger.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	rep, err := ledger.VerifyStore(ctx, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d events verified (%d legacy)\n", rep.EventsChecked, rep.LegacyEvents)
	if rep.TailHash != "" {
		_, _ = fmt.Fprintf(stdout, "tail: %s (event %d)\n", rep.TailHash, rep.LastEventID)
	}
	return 0
}

func verifyFile(path string, stdout, stderr io.Writer) int {
	f, err := os.Open(path) //nolint:gosec // operator-supplied export path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	records, err := ledger.ReadExport(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if err := chain.VerifyLedgerChain(records); err != nil {
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d events verified\n", len(records))
	return 0
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "-", "Output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) error {
		w := stdout
		if *out != "-" {
			f, err := os.Create(*out) //nolint:gosec // operator-supplied output path
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			w = f
		}
		doc, err := ledger.Export(ctx, a.events, w, time.Now())
		if err != nil {
			return err
		}
		if *out != "-" {
			_, _ = fmt.Fprintf(stdout, "exported %d events to %s\n", doc.Count, *out)
		}
		return nil
	})
}

func runAnchorCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: papa-ledger anchor <run|reconcile|health>")
		return 2
	}
	switch args[0] {
	case "run":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			anchor, err := a.anchoring.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, anchor)
		})
	case "reconcile":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			rep, err := a.anchoring.Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, rep)
		})
	case "health":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			return printJSON(stdout, a.anchoring.Health(ctx))
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown anchor subcommand: %s\n", args[0])
		return 2
	}
}

func runRetentionCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "run" {
		_, _ = fmt.Fprintln(stderr, "Usage: papa-ledger retention run [--class dead_letter]")
		return 2
	}
	fs := pflag.NewFlagSet("retention run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	class := fs.String("class", string(retention.ClassDeadLetter), "Data class to purge")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) error {
		rep, err := a.retention.Purge(ctx, retention.Class(*class))
		if err != nil {
			return err
		}
		return printJSON(stdout, rep)
	})
}

func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: papa-ledger keys <list|rotate-request>")
		return 2
	}
	switch args[0] {
	case "list":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			if _, err := a.signing.EnsureActiveKey(ctx); err != nil {
				return err
			}
			keys, err := a.signing.ListKeys(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, keys)
		})
	case "rotate-request":
		fs := pflag.NewFlagSet("keys rotate-request", pflag.ContinueOnError)
		fs.SetOutput(stderr)
		actor := fs.String("actor", "", "Initiating operator (REQUIRED)")
		reason := fs.String("reason", "", "Why the key is rotated")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *actor == "" {
			_, _ = fmt.Fprintln(stderr, "keys rotate-request: --actor is required")
			return 2
		}
		return withApp(stderr, func(ctx context.Context, a *app) error {
			req, err := a.keys.CreateRequest(ctx, *actor, keylifecycle.OpRotateKey, "", *reason)
			if err != nil {
				return err
			}
			return printJSON(stdout, req)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		return 2
	}
}
