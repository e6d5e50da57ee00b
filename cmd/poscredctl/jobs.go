package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/poscred/internal/app"
	"github.com/iliyamo/poscred/internal/model"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate credentials that are about to expire",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.RotationJob.Run(ctx)
				if perr := printJSON(cmd, sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func syncDailyCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sync-daily",
		Short: "Sync one UTC day of sales for every connected location",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC().AddDate(0, 0, -1)
			if date != "" {
				d, err := time.Parse(model.DateLayout, date)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
				day = d
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.DailySync.Run(ctx, day)
				if perr := printJSON(cmd, sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", "", "UTC day to sync (YYYY-MM-DD), yesterday by default")
	return cmd
}

func failureMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failure-monitor",
		Short: "Alert on credentials whose rotations keep failing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.FailureMonitor.Run(ctx)
				if perr := printJSON(cmd, rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	var tenant, location, providerName string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate a stored credential against its provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Verifier.Verify(ctx, tenant, location, providerName)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "location id")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider name")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "require the credential to belong to this tenant")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}
