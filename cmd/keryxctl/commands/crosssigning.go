package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/store"
)

const crossSigningBlobKey = "cross-signing-seeds"

// storedSeeds holds the private cross-signing seeds in the local cache.
// The blob itself is pickled by the store, so this structure is never
// written to disk in plaintext.
type storedSeeds struct {
	Master      []byte `json:"master"`
	SelfSigning []byte `json:"self_signing"`
	UserSigning []byte `json:"user_signing"`
}

func crossSigningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cross-signing",
		Short: "Manage the locally cached cross-signing identity",
	}
	cmd.AddCommand(crossSigningResetCmd(), crossSigningShowCmd())
	return cmd
}

func crossSigningResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Generate a fresh cross-signing key triad",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if _, err := local.GetBlob(crossSigningBlobKey); err == nil {
					return fmt.Errorf("a cross-signing identity already exists; re-run with --yes to replace it")
				}
			}

			seeds := &storedSeeds{}
			for _, slot := range []*[]byte{&seeds.Master, &seeds.SelfSigning, &seeds.UserSigning} {
				kp, err := crypto.GenerateSigningKeyPair()
				if err != nil {
					return err
				}
				*slot = append([]byte(nil), kp.Seed[:]...)
				kp.Wipe()
			}

			raw, err := json.Marshal(seeds)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(raw)
			if err := local.PutBlob(crossSigningBlobKey, raw); err != nil {
				return err
			}

			fmt.Println("New cross-signing identity created. All previous device signatures are void.")
			return printPublicKeys(seeds)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "replace an existing identity without asking")
	return cmd
}

func crossSigningShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the public halves of the cached cross-signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := local.GetBlob(crossSigningBlobKey)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no cross-signing identity; run 'keryxctl cross-signing reset' first")
			}
			if err != nil {
				return err
			}
			seeds := &storedSeeds{}
			if err := json.Unmarshal(raw, seeds); err != nil {
				return err
			}
			return printPublicKeys(seeds)
		},
	}
}

func printPublicKeys(seeds *storedSeeds) error {
	for _, entry := range []struct {
		usage string
		seed  []byte
	}{
		{"master", seeds.Master},
		{"self_signing", seeds.SelfSigning},
		{"user_signing", seeds.UserSigning},
	} {
		kp := crypto.SigningKeyPairFromSeed(entry.seed)
		fmt.Printf("%-13s ed25519:%s\n", entry.usage, crypto.EncodeBase64(kp.Public[:]))
		kp.Wipe()
	}
	return nil
}
