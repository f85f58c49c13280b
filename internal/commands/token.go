package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/models"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage authentication tokens",
	Long:  `Generate credentials for node agents and API users`,
}

var nodeTokenCmd = &cobra.Command{
	Use:   "node [node-id]",
	Short: "Generate a node JWT",
	Long: `Generate a JWT a node agent presents on /fleet.

The token is signed with security.node_token_secret and names the node and
its owner. The node must already be registered.

Examples:
  fleetrent token node gpu-box-1
  fleetrent token node gpu-box-1 --expiration 720
  fleetrent token node gpu-box-1 --secret "my-node-secret"`,
	Args: cobra.ExactArgs(1),
	RunE: runNodeToken,
}

var nodeKeyCmd = &cobra.Command{
	Use:   "node-key [node-id]",
	Short: "Issue a node API key",
	Long: `Issue a long-lived nk_ API key for a node and store its hash.

Issuing a key replaces the node's previous key. The key is printed once.`,
	Args: cobra.ExactArgs(1),
	RunE: runNodeKey,
}

var userTokenCmd = &cobra.Command{
	Use:   "user [account-id]",
	Short: "Generate a user JWT",
	Long: `Generate a JWT for an account, signed with security.jwt_secret.

The role is read from the account unless --role is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserToken,
}

var (
	tokenExpiration int64
	tokenSecret     string
	tokenRole       string
)

func init() {
	nodeTokenCmd.Flags().Int64Var(&tokenExpiration, "expiration", 8760, "token expiration in hours")
	nodeTokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "node token secret (default: from config)")
	userTokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim (renter, owner, operator)")

	tokenCmd.AddCommand(nodeTokenCmd)
	tokenCmd.AddCommand(nodeKeyCmd)
	tokenCmd.AddCommand(userTokenCmd)
}

func openStore() (*storage.Storage, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func runNodeToken(cmd *cobra.Command, args []string) error {
	nodeID := args[0]

	secret := tokenSecret
	if secret == "" {
		secret = cfg.Security.NodeTokenSecret
	}
	if secret == "" {
		return fmt.Errorf(`node_token_secret not found in config and --secret not provided

Please either:
  1. Add to your config.yaml:
     security:
       node_token_secret: your-secret-here

  2. Or use the --secret flag:
     fleetrent token node %s --secret "your-secret-here"`, nodeID)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := store.GetNode(cmd.Context(), nodeID)
	if err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}

	expiration := time.Duration(tokenExpiration) * time.Hour
	token, err := auth.GenerateNodeToken(secret, node.ID, node.OwnerID, expiration)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node Token Generated\n")
	fmt.Fprintf(out, "====================\n\n")
	fmt.Fprintf(out, "Node ID:    %s\n", node.ID)
	fmt.Fprintf(out, "Owner ID:   %s\n", node.OwnerID)
	fmt.Fprintf(out, "Expiration: %s (%d hours)\n", expiration, tokenExpiration)
	fmt.Fprintf(out, "\nToken:\n%s\n\n", token)
	fmt.Fprintf(out, "Add this to the node's agent configuration:\n")
	fmt.Fprintf(out, "  agent:\n")
	fmt.Fprintf(out, "    node_id: %s\n", node.ID)
	fmt.Fprintf(out, "    token: %s\n", token)
	return nil
}

func runNodeKey(cmd *cobra.Command, args []string) error {
	nodeID := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if _, err := store.GetNode(ctx, nodeID); err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}

	key, err := auth.GenerateNodeAPIKey(nodeID)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	if err := store.SetNodeAPIKeyHash(ctx, nodeID, hash); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "API key for node %s (shown once):\n%s\n", nodeID, key)
	return nil
}

func runUserToken(cmd *cobra.Command, args []string) error {
	accountID := args[0]

	role := models.Role(tokenRole)
	if role == "" {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		account, err := store.GetAccount(cmd.Context(), accountID)
		if err != nil {
			return fmt.Errorf("account %s: %w", accountID, err)
		}
		role = account.Role
	}

	switch role {
	case models.RoleRenter, models.RoleOwner, models.RoleOperator:
	default:
		return fmt.Errorf("invalid role %q", role)
	}

	token, err := auth.NewJWTService(cfg.Security).GenerateUserToken(accountID, role)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
