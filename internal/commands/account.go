package commands

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"evalgo.org/fleetrent/models"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage renter, owner and operator accounts",
}

var accountAddFlags struct {
	id      string
	name    string
	role    string
	balance string
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account in the database",
	Args:  cobra.NoArgs,
	RunE:  runAccountAdd,
}

var accountShowCmd = &cobra.Command{
	Use:   "show [account-id]",
	Short: "Show an account and its balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

func init() {
	f := accountAddCmd.Flags()
	f.StringVar(&accountAddFlags.id, "id", "", "account id (default: generated)")
	f.StringVar(&accountAddFlags.name, "name", "", "display name")
	f.StringVar(&accountAddFlags.role, "role", string(models.RoleRenter), "renter, owner or operator")
	f.StringVar(&accountAddFlags.balance, "balance", "0", "opening balance")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountShowCmd)
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	role := models.Role(accountAddFlags.role)
	switch role {
	case models.RoleRenter, models.RoleOwner, models.RoleOperator:
	default:
		return fmt.Errorf("invalid --role %q", accountAddFlags.role)
	}

	balance, err := decimal.NewFromString(accountAddFlags.balance)
	if err != nil {
		return fmt.Errorf("invalid --balance %q: %w", accountAddFlags.balance, err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id := accountAddFlags.id
	if id == "" {
		id = models.NewID()
	}
	account := &models.Account{
		ID:      id,
		Name:    accountAddFlags.name,
		Role:    role,
		Balance: balance,
	}
	if err := store.CreateAccount(cmd.Context(), account); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s account %s (balance %s)\n", account.Role, account.ID, account.Balance)
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	account, err := store.GetAccount(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), account)
}
