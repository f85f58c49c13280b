// Command gentoken prints a node JWT without opening the database, for
// bootstrapping agents in development.
package main

import (
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"evalgo.org/fleetrent/internal/auth"
)

func main() {
	var (
		secret     string
		ownerID    string
		expiration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gentoken [node-id]",
		Short: "Print a signed node token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or FR_SECURITY_NODE_TOKEN_SECRET is required")
			}
			token, err := auth.GenerateNodeToken(secret, args[0], ownerID, expiration)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("FR_SECURITY_NODE_TOKEN_SECRET"), "node token secret")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner account id")
	cmd.Flags().DurationVar(&expiration, "expiration", 8760*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("owner") //nolint:errcheck

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
