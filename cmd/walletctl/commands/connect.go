package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/wallet"
)

var errNotConnected = domain.NewError(domain.CodeNotConnected, "no wallet connected; run walletctl connect")

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a wallet",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "injected",
			Short: "Connect through the local signing extension",
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := appCtx.Manager.ConnectInjected(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			},
		},
		&cobra.Command{
			Use:   "relayed",
			Short: "Pair with a remote signer through the relay",
			RunE: func(cmd *cobra.Command, _ []string) error {
				out := cmd.ErrOrStderr()
				unsubscribe := appCtx.Manager.Subscribe(func(ev wallet.Event) {
					if ev.Kind == wallet.EventPairingURI {
						fmt.Fprintf(out, "Open this URI in your wallet:\n\n  %s\n\nWaiting for approval...\n", ev.PairingURI)
					}
				})
				defer unsubscribe()

				s, err := appCtx.Manager.ConnectRelayed(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			},
		},
	)
	return cmd
}
