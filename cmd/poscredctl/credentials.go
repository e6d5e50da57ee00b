package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/poscred/internal/app"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/service"
	"github.com/iliyamo/poscred/internal/utils"
)

func connectCmd() *cobra.Command {
	var (
		tenant, location, providerName string
		access, refresh, externalID    string
		expiresIn                      time.Duration
		replace                        bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Seal and store a location's POS credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Connector.Connect(ctx, service.ConnectRequest{
					TenantID:   tenant,
					LocationID: location,
					Provider:   providerName,
					Token:      provider.Token{AccessToken: access, RefreshToken: refresh, ExternalID: externalID},
					ExpiresIn:  expiresIn,
					Replace:    replace,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&tenant, "tenant", "t", "", "tenant id")
	f.StringVarP(&location, "location", "l", "", "location id")
	f.StringVarP(&providerName, "provider", "p", "", "provider name")
	f.StringVar(&access, "access-token", "", "provider access token")
	f.StringVar(&refresh, "refresh-token", "", "provider refresh token")
	f.StringVar(&externalID, "external-id", "", "provider-side location or account id")
	f.DurationVar(&expiresIn, "expires-in", 24*time.Hour, "lifetime of the access token")
	f.BoolVar(&replace, "replace", false, "re-connect a location that already has a credential")
	for _, name := range []string{"tenant", "location", "provider", "access-token"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh CREDENTIAL_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := utils.NewRandomKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
