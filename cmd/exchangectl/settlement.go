package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/pricefeed"
	"github.com/bourse/settlement-engine/internal/settlement"
)

// loadPricesCmd holds the flags for the 'load-prices' subcommand.
type loadPricesCmd struct {
	file string
}

func (*loadPricesCmd) Name() string     { return "load-prices" }
func (*loadPricesCmd) Synopsis() string { return "load a batch of prices from CSV" }
func (*loadPricesCmd) Usage() string {
	return `exchangectl load-prices [-f <file.csv>]

  Reads symbol,price rows (optional header, '#' comments) from the file or
  stdin. Every row is applied on its own; failures are listed by line.
`
}

func (c *loadPricesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "-", "CSV file to read, - for stdin")
}

func (c *loadPricesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var in io.Reader = os.Stdin
	if c.file != "-" {
		f, err := os.Open(c.file)
		if err != nil {
			return failf("Error opening %s: %v", c.file, err)
		}
		defer f.Close()
		in = f
	}

	eng, pg, closeFn, err := openEngine(ctx)
	if err != nil {
		return failf("Error: %v", err)
	}
	defer closeFn()

	ctx = settlement.WithActor(ctx, *actor)
	report, err := pricefeed.NewLoader(eng, pg).LoadCSV(ctx, in)
	if err != nil {
		return failf("Error reading CSV: %v", err)
	}

	for _, it := range report.Items {
		if it.OK {
			continue
		}
		fmt.Fprintf(os.Stderr, "line %d: %s: %s\n", it.Line, it.Kind, it.Error)
	}
	fmt.Printf("%d loaded, %d failed\n", report.Succeeded, report.Failed)
	if report.Failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// resolveCmd holds the flags for the 'resolve' subcommand.
type resolveCmd struct {
	account string
	company string
}

func (*resolveCmd) Name() string     { return "resolve" }
func (*resolveCmd) Synopsis() string { return "fold an account's ledger into positions" }
func (*resolveCmd) Usage() string {
	return `exchangectl resolve -account <id> [-company <id>]

  Prints the positions derived from the ledger as JSON. Without -company
  every company the account currently holds (net quantity above zero) is
  listed; closed positions are omitted.
`
}

func (c *resolveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier")
	f.StringVar(&c.company, "company", "", "Restrict to one company")
}

func (c *resolveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "Error: -account is required")
		return subcommands.ExitUsageError
	}
	eng, _, closeFn, err := openEngine(ctx)
	if err != nil {
		return failf("Error: %v", err)
	}
	defer closeFn()

	var out any
	if c.company != "" {
		var p model.Position
		p, err = eng.ResolvePosition(ctx, c.account, c.company)
		out = p
	} else {
		out, err = eng.ResolveAllPositions(ctx, c.account)
	}
	if err != nil {
		return failf("Error resolving positions: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return failf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
