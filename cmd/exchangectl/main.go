// Command exchangectl runs operator tasks against the settlement database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bourse/settlement-engine/internal/config"
	"github.com/bourse/settlement-engine/internal/settlement"
	"github.com/bourse/settlement-engine/internal/store"
	"github.com/bourse/settlement-engine/internal/treasury"
	"github.com/bourse/settlement-engine/internal/wallet"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	actor       = flag.String("actor", "exchangectl", "Actor recorded on ledger rows written by this tool")
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&migrateCmd{}, "database")
	commander.Register(&marketCmd{}, "database")

	commander.Register(&loadPricesCmd{}, "settlement")
	commander.Register(&resolveCmd{}, "settlement")

	commander.Register(&tokenCmd{}, "auth")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// openStore connects to PostgreSQL. The returned func releases the pool.
func openStore(ctx context.Context) (*store.PostgresStore, func(), error) {
	if *databaseURL == "" {
		return nil, nil, fmt.Errorf("no database: set -database-url or DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	return pg, func() {
		pg.Close()
		pool.Close()
	}, nil
}

// openEngine builds an engine over PostgreSQL with the same limits the
// server runs with.
func openEngine(ctx context.Context) (*settlement.Engine, *store.PostgresStore, func(), error) {
	pg, closeFn, err := openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	limits := wallet.DefaultLimits()
	lockout := wallet.DefaultLockout
	if cfg, err := config.Load(); err == nil {
		limits, lockout = cfg.Limits, cfg.LockoutDuration
	}
	eng := settlement.New(pg, wallet.NewManager(lockout, limits), treasury.NewManager(nil))
	return eng, pg, closeFn, nil
}

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
