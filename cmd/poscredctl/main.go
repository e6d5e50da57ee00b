// Command poscredctl runs the scheduled jobs once, for cron style
// schedulers, and hosts the operator utilities.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/poscred/internal/app"
	"github.com/iliyamo/poscred/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "poscredctl",
		Short:         "POS credential rotation and sales sync jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(syncDailyCmd())
	rootCmd.AddCommand(failureMonitorCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(alertsSinkCmd())
	rootCmd.AddCommand(simulatorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// withApp loads the configuration, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Env)
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := app.New(ctx, cfg, log, config.NewRedisClient())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
