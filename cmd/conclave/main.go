// Package main is the entry point for the conclave CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/conclave/internal/config"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in apiKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("conclave"),
		kong.Description("A conversation partner backed by a team of context workers."),
		kong.UsageOnError(),
		kongVars(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the file named by --config, or conclave.toml from the
// current directory.
func (g *Globals) loadConfig() (*config.Config, error) {
	if g.Config != "" {
		return config.LoadFile(g.Config)
	}
	return config.LoadDefault()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run shows version information.
func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("conclave %s (commit %s, built %s)\n", version, commit, buildTime)
	return nil
}
