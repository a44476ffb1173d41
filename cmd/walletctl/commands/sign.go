package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/walletlink/internal/signing"
)

func signCmd() *cobra.Command {
	var (
		signer        string
		docPath       string
		bodyHex       string
		authInfoHex   string
		accountNumber uint64
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a direct-mode document with the connected wallet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, ok := appCtx.Manager.Signer()
			if !ok {
				return errNotConnected
			}

			var doc signing.SignDoc
			if docPath != "" {
				data, err := os.ReadFile(docPath)
				if err != nil {
					return fmt.Errorf("read sign doc: %w", err)
				}
				if err := json.Unmarshal(data, &doc); err != nil {
					return fmt.Errorf("decode sign doc: %w", err)
				}
			} else {
				body, err := hex.DecodeString(bodyHex)
				if err != nil {
					return fmt.Errorf("decode --body: %w", err)
				}
				authInfo, err := hex.DecodeString(authInfoHex)
				if err != nil {
					return fmt.Errorf("decode --auth-info: %w", err)
				}
				doc = signing.SignDoc{
					BodyBytes:     body,
					AuthInfoBytes: authInfo,
					ChainID:       appCtx.Profile.ChainID,
					AccountNumber: accountNumber,
				}
			}

			if signer == "" {
				signer = appCtx.Manager.Capability().WalletAddress
			}
			res, err := s.SignDirect(cmd.Context(), signer, doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&signer, "signer", "", "signer address (default: connected address)")
	cmd.Flags().StringVar(&docPath, "doc", "", "JSON sign doc file")
	cmd.Flags().StringVar(&bodyHex, "body", "", "hex TxBody bytes")
	cmd.Flags().StringVar(&authInfoHex, "auth-info", "", "hex AuthInfo bytes")
	cmd.Flags().Uint64Var(&accountNumber, "account-number", 0, "account number")
	cmd.MarkFlagsMutuallyExclusive("doc", "body")
	return cmd
}
