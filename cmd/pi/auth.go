package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-run/pi/internal/config"
)

// buildLoginCmd stores an OAuth credential for provider in oauth.json.
// pi has no embedded browser-based authorization-code flow (the
// teacher's GenericOAuthProvider.AuthURL/Exchange pair implements that
// for a web app with a redirect URI; a CLI has nowhere to receive the
// redirect without standing up a local callback server, which is out of
// this runtime's scope — see DESIGN.md). Instead this command imports a
// token pair obtained out-of-band, the same shape oauth.json stores.
func buildLoginCmd() *cobra.Command {
	var access, refresh, email, enterpriseURL, projectID string
	var expiresIn int

	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Store an OAuth credential for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			store, err := config.LoadOAuthStore(stateDir)
			if err != nil {
				return err
			}
			cred := config.Credential{
				Type:          config.CredentialTypeOAuth,
				Access:        access,
				Refresh:       refresh,
				Expires:       time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
				Email:         email,
				EnterpriseURL: enterpriseURL,
				ProjectID:     projectID,
			}
			if err := store.Set(provider, cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s\n", provider)
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "Access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh token")
	cmd.Flags().IntVar(&expiresIn, "expires-in", 3600, "Access token lifetime in seconds")
	cmd.Flags().StringVar(&email, "email", "", "Account email, if known")
	cmd.Flags().StringVar(&enterpriseURL, "enterprise-url", "", "Enterprise base URL, if applicable")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Cloud project id, if applicable")
	_ = cmd.MarkFlagRequired("refresh")
	return cmd
}

// buildLogoutCmd removes a provider's stored credential.
func buildLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove a provider's stored OAuth credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.LoadOAuthStore(stateDir)
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s\n", args[0])
			return nil
		},
	}
}
