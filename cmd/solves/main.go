// Command solves runs the solves API, the todo microservice and the admin
// MCP server, and carries the maintenance commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solveshq/solves/v1/config"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/mcptools"
)

// version is set at build time via ldflags.
var version = "dev"

// globals are the state shared by every subcommand, filled in by the root
// command's PersistentPreRunE.
type globals struct {
	configPath string
	envFile    string

	cfg       config.Config
	log       *slog.Logger
	logCloser io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "solves",
		Short:         "Workbook platform server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if g.logCloser != nil {
				return g.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the TOML configuration file (default $SOLVES_CONFIG)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading SOLVES_* variables")

	mcptools.Version = version
	root.AddCommand(
		newServeCommand(g),
		newTodoCommand(g),
		newMCPCommand(g),
		newMigrateCommand(g),
		newCryptoCommand(g),
		newUserCommand(g),
	)
	return root
}

func (g *globals) load() error {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: g.configPath, EnvFile: g.envFile})
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	g.cfg, g.log, g.logCloser = cfg, log, closer
	slog.SetDefault(log)
	return nil
}
