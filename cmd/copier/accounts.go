package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts, credentials redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			return printAccounts(cmd.OutOrStdout(), accounts)
		},
	}

	cmd.AddCommand(newAccountAddCmd(a), newAccountRemoveCmd(a))

	return cmd
}

func newAccountAddCmd(a *app) *cobra.Command {
	var (
		acc        models.Account
		role       string
		risk       string
		multiplier string
		inactive   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			acc.Role = models.Role(role)
			acc.Active = !inactive

			if risk != "" {
				v, err := decimal.NewFromString(risk)
				if err != nil {
					return fmt.Errorf("--risk: %w", err)
				}
				acc.RiskPercentage = v
			}

			if multiplier != "" {
				v, err := decimal.NewFromString(multiplier)
				if err != nil {
					return fmt.Errorf("--multiplier: %w", err)
				}
				acc.Multiplier = v
			}

			store, err := a.openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SaveAccount(cmd.Context(), acc); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✅ account %s saved (%s, key %s)\n",
				acc.ID, acc.Role, acc.Credentials.Redacted())

			return nil
		},
	}

	cmd.Flags().StringVar(&acc.ID, "id", "", "account id")
	cmd.Flags().StringVar(&role, "role", string(models.RoleSlave), "master or slave")
	cmd.Flags().StringVar(&acc.Credentials.APIKey, "api-key", "", "Binance API key")
	cmd.Flags().StringVar(&acc.Credentials.APISecret, "api-secret", "", "Binance API secret")
	cmd.Flags().StringVar(&risk, "risk", "", "fraction of balance risked per trade, default 0.01")
	cmd.Flags().StringVar(&multiplier, "multiplier", "", "legacy scale factor for the master quantity")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the account as inactive")

	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("api-key")
	_ = cmd.MarkFlagRequired("api-secret")

	return cmd
}

func newAccountRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteAccount(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "🗑 account %s removed\n", args[0])

			return nil
		},
	}
}

func printAccounts(out io.Writer, accounts []models.Account) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tROLE\tACTIVE\tRISK\tMULTIPLIER\tAPI KEY\tCREATED")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			acc.ID,
			acc.Role,
			acc.Active,
			acc.RiskPercentage,
			acc.Multiplier,
			acc.Credentials.Redacted(),
			acc.CreatedAt.Local().Format("2006-01-02"),
		)
	}

	return w.Flush()
}
