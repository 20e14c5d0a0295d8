package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/bourse/settlement-engine/internal/auth"
	"github.com/bourse/settlement-engine/internal/model"
)

// tokenCmd holds the flags for the 'token' subcommand.
type tokenCmd struct {
	account string
	alias   string
	admin   bool
	ttl     time.Duration
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "issue an API bearer token" }
func (*tokenCmd) Usage() string {
	return `exchangectl token -account <id> [-alias <alias>] [-admin] [-ttl 1h]

  Signs a token with JWT_SECRET and JWT_ISSUER from the environment.
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier carried as the subject")
	f.StringVar(&c.alias, "alias", "", "Display alias")
	f.BoolVar(&c.admin, "admin", false, "Grant the admin role")
	f.DurationVar(&c.ttl, "ttl", time.Hour, "Token lifetime")
}

func (c *tokenCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "Error: -account is required")
		return subcommands.ExitUsageError
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return failf("Error: JWT_SECRET is not set")
	}

	role := model.RoleTrader
	if c.admin {
		role = model.RoleAdmin
	}
	tok, err := auth.New(secret, os.Getenv("JWT_ISSUER")).Issue(auth.Identity{
		AccountID: c.account,
		Alias:     c.alias,
		Role:      role,
	}, c.ttl)
	if err != nil {
		return failf("Error signing token: %v", err)
	}
	fmt.Println(tok)
	return subcommands.ExitSuccess
}
