// Command marketctl runs market-engine maintenance tasks against the
// configured store: migrations, market creation, outcome declaration and
// one-off settlement passes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oddsbook/market-engine/internal/app"
	"github.com/oddsbook/market-engine/internal/config"
	"github.com/oddsbook/market-engine/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "marketctl",
	Short: "Operate the market engine",
	Long: `marketctl runs maintenance tasks against the market engine's store.

Configuration is read the same way as the server: an optional config file,
MARKET_* environment variables and a .env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MARKET_CONFIG"), "config file path")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// env is what every subcommand needs.
type env struct {
	cfg    *config.AppConfig
	deps   *app.Dependencies
	logger *slog.Logger
}

// withEnv loads config, wires the store and runs fn.
func withEnv(ctx context.Context, fn func(context.Context, *env) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, "marketctl", cfg.Env)

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(ctx, &env{cfg: cfg, deps: deps, logger: logger})
}
