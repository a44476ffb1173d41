package commands

import (
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the restored wallet session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), appCtx.Manager.Capability())
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "End the session and forget it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := appCtx.Manager.Disconnect(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), appCtx.Manager.Capability())
		},
	}
}

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the connected signer's accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, ok := appCtx.Manager.Signer()
			if !ok {
				return errNotConnected
			}
			accounts, err := signer.GetAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), accounts)
		},
	}
}
