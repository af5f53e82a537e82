package main

import (
	"fmt"
	"os"
	"time"

	"crypta.vault/internal/auth"

	"github.com/spf13/cobra"
)

var (
	assertionKeyFile  string
	assertionClientID string
	assertionAudience string
	assertionLifetime time.Duration
)

var assertionCmd = &cobra.Command{
	Use:   "assertion",
	Short: "Client-side helpers for the token endpoint",
}

var assertionSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign an RS256 assertion with a service account private key",
	Example: `  crypta assertion sign --key sa.pem --client-id billing-worker@payments.crypta \
    --audience https://crypta.example.com/v1/auth/token`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := os.ReadFile(assertionKeyFile)
		if err != nil {
			return fmt.Errorf("reading private key: %w", err)
		}
		token, err := auth.SignAssertion(key, assertionClientID, assertionAudience, assertionLifetime)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := assertionSignCmd.Flags()
	f.StringVar(&assertionKeyFile, "key", "", "PEM file holding the service account private key")
	f.StringVar(&assertionClientID, "client-id", "", "service account client id")
	f.StringVar(&assertionAudience, "audience", "", "token endpoint audience")
	f.DurationVar(&assertionLifetime, "lifetime", 5*time.Minute, "assertion lifetime")
	_ = assertionSignCmd.MarkFlagRequired("key")
	_ = assertionSignCmd.MarkFlagRequired("client-id")
	_ = assertionSignCmd.MarkFlagRequired("audience")

	assertionCmd.AddCommand(assertionSignCmd)
}
