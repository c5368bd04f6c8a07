package commands

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/secretstorage"
)

func recoveryKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery-key",
		Short: "Generate and check secret-storage recovery keys",
	}
	cmd.AddCommand(recoveryKeyGenerateCmd(), recoveryKeyVerifyCmd())
	return cmd
}

func recoveryKeyGenerateCmd() *cobra.Command {
	var fromPassphrase string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a fresh secret-storage key and print its recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			if fromPassphrase != "" {
				params, err := crypto.NewPassphraseParams()
				if err != nil {
					return err
				}
				key, err = crypto.DeriveKeyFromPassphrase(fromPassphrase, params)
				if err != nil {
					return err
				}
				raw, err := json.MarshalIndent(params, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("Passphrase parameters (store these in the key descriptor):\n%s\n", raw)
			} else {
				key = make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					return err
				}
			}
			defer crypto.ZeroBytes(key)

			encoded, err := secretstorage.EncodeRecoveryKey(key)
			if err != nil {
				return err
			}
			check, err := crypto.CalculateKeyCheck(key)
			if err != nil {
				return err
			}
			fmt.Printf("Recovery key: %s\n", encoded)
			fmt.Printf("Key check:    iv=%s mac=%s\n", check.IV, check.MAC)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromPassphrase, "from-passphrase", "", "derive the key from a passphrase instead of random bytes")
	return cmd
}

func recoveryKeyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <recovery-key>",
		Short: "Check that a recovery key is well formed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secretstorage.DecodeRecoveryKey(args[0])
			if err != nil {
				return fmt.Errorf("invalid recovery key: %w", err)
			}
			defer crypto.ZeroBytes(key)
			fmt.Println("Recovery key OK.")
			return nil
		},
	}
}
