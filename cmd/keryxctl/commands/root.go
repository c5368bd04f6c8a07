// Package commands implements the keryxctl command line tool. It operates
// on the same local encrypted cache the library uses, so key material
// inspected here is exactly what a running client would load.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/store"
)

var (
	dataDir    string
	passphrase string

	local     *store.BadgerStore
	pickleKey []byte
)

const pickleParamsFile = "pickle.json"

func Execute() error {
	root := &cobra.Command{
		Use:           "keryxctl",
		Short:         "Inspect and manage local keryx key material",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(home, ".keryx")
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}

			var err error
			pickleKey, err = loadPickleKey(dataDir, passphrase)
			if err != nil {
				return err
			}
			local, err = store.OpenBadger(store.BadgerOptions{
				Dir:       filepath.Join(dataDir, "db"),
				PickleKey: pickleKey,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if local != nil {
				return local.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local cache dir (default ~/.keryx)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local cache")

	root.AddCommand(identityCmd(), recoveryKeyCmd(), crossSigningCmd(), trustCmd())
	return root.Execute()
}

// loadPickleKey derives the cache encryption key from the passphrase,
// creating derivation parameters on first use. The parameters are stored
// in plaintext beside the cache; they contain only the salt and iteration
// count.
func loadPickleKey(dir, passphrase string) ([]byte, error) {
	path := filepath.Join(dir, pickleParamsFile)
	var params *crypto.PassphraseParams

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		params = &crypto.PassphraseParams{}
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("corrupt %s: %w", pickleParamsFile, err)
		}
	case os.IsNotExist(err):
		params, err = crypto.NewPassphraseParams()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return crypto.DeriveKeyFromPassphrase(passphrase, params)
}
