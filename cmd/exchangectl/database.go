package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/bourse/settlement-engine/internal/model"
)

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the settlement schema" }
func (*migrateCmd) Usage() string {
	return `exchangectl migrate

  Creates missing tables and indexes. Safe to run repeatedly.
`
}

func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	pg, closeFn, err := openStore(ctx)
	if err != nil {
		return failf("Error: %v", err)
	}
	defer closeFn()

	if err := pg.Migrate(ctx); err != nil {
		return failf("Error migrating schema: %v", err)
	}
	fmt.Println("schema up to date")
	return subcommands.ExitSuccess
}

// marketCmd holds the flags for the 'market' subcommand.
type marketCmd struct {
	id       string
	name     string
	disabled bool
}

func (*marketCmd) Name() string     { return "market" }
func (*marketCmd) Synopsis() string { return "create or update a market" }
func (*marketCmd) Usage() string {
	return `exchangectl market -id <id> [-name <name>] [-disabled]

  Markets have no API surface; operators manage them here.
`
}

func (c *marketCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.id, "id", "", "Market identifier")
	f.StringVar(&c.name, "name", "", "Display name")
	f.BoolVar(&c.disabled, "disabled", false, "Close the market to trading")
}

func (c *marketCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.id == "" {
		return failf("Error: -id is required")
	}
	pg, closeFn, err := openStore(ctx)
	if err != nil {
		return failf("Error: %v", err)
	}
	defer closeFn()

	m := &model.Market{ID: c.id, Name: c.name, Enabled: !c.disabled}
	if err := pg.UpsertMarket(ctx, m); err != nil {
		return failf("Error saving market: %v", err)
	}
	fmt.Printf("market %s enabled=%t\n", m.ID, m.Enabled)
	return subcommands.ExitSuccess
}
