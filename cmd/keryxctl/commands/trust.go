package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/store"
)

func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <device.json>",
		Short: "Evaluate a published device identity against the cached cross-signing keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			dev := &device.Device{}
			if err := json.Unmarshal(raw, dev); err != nil {
				return fmt.Errorf("malformed device identity: %w", err)
			}

			fmt.Printf("Device: %s / %s\n", dev.UserID, dev.DeviceID)
			if err := dev.VerifySelfSignature(); err != nil {
				fmt.Printf("Self-signature: INVALID (%v)\n", err)
				return nil
			}
			fmt.Println("Self-signature: ok")

			seedsRaw, err := local.GetBlob(crossSigningBlobKey)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("Cross-signed:   unknown (no local cross-signing identity)")
				return nil
			}
			if err != nil {
				return err
			}
			seeds := &storedSeeds{}
			if err := json.Unmarshal(seedsRaw, seeds); err != nil {
				return err
			}

			ssk := crypto.SigningKeyPairFromSeed(seeds.SelfSigning)
			defer ssk.Wipe()
			sskID := crypto.EncodeBase64(ssk.Public[:])

			sig, ok := dev.Signatures[dev.UserID]["ed25519:"+sskID]
			if !ok {
				fmt.Println("Cross-signed:   no")
				return nil
			}
			valid, err := crypto.VerifyJSON(dev.SignedKeys(), sig, ssk.Public)
			if err != nil || !valid {
				fmt.Println("Cross-signed:   INVALID signature")
				return nil
			}
			fmt.Println("Cross-signed:   yes")
			return nil
		},
	}
}
