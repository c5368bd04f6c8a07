package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keryx-im/keryx/olm/ratchet"
	"github.com/keryx-im/keryx/store"
)

const accountBlobKey = "olm-account"

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's identity keys, creating them on first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, created, err := loadAccount()
			if err != nil {
				return err
			}
			if created {
				fmt.Println("New device identity created.")
			}
			fmt.Printf("curve25519: %s\n", account.IdentityKey())
			fmt.Printf("ed25519:    %s\n", account.SigningKey())
			return nil
		},
	}
}

func loadAccount() (*ratchet.Account, bool, error) {
	pickled, err := local.GetBlob(accountBlobKey)
	if errors.Is(err, store.ErrNotFound) {
		account, err := ratchet.NewAccount()
		if err != nil {
			return nil, false, err
		}
		if err := saveAccount(account); err != nil {
			return nil, false, err
		}
		return account, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	account, err := ratchet.UnpickleAccount(pickled, pickleKey)
	if err != nil {
		return nil, false, err
	}
	return account, false, nil
}

func saveAccount(account *ratchet.Account) error {
	pickled, err := account.Pickle(pickleKey)
	if err != nil {
		return err
	}
	return local.PutBlob(accountBlobKey, pickled)
}
