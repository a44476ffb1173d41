// Package commands implements the walletctl CLI.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/walletlink/internal/app"
	"github.com/ashureev/walletlink/internal/config"
)

var (
	configPath string
	verbose    bool
	appCtx     *app.App
)

// Execute runs the CLI until it finishes or is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Manage the wallet session shared with walletlink",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !verbose {
				cfg.LogLevel = "warn"
			}
			cfg.LogFormat = "text"
			logger := app.NewLogger(cfg, os.Stderr)
			slog.SetDefault(logger)

			appCtx, err = app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			appCtx.Manager.Start(cmd.Context())
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if appCtx != nil {
				appCtx.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "optional TOML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(statusCmd(), connectCmd(), disconnectCmd(), accountsCmd(), signCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
