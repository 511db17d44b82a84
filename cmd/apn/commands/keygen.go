package commands

import (
	"fmt"
	"os"
	"path"

	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/spf13/cobra"
)

var keygenDataDir string

// NewKeygenCmd produces a KeygenCmd which creates a new identity
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new identity",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

// AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&keygenDataDir, "datadir", _config.DataDir, "Directory where the private key will be written")
}

func keygen(cmd *cobra.Command, args []string) error {
	keystore := identity.NewKeystore(keygenDataDir)

	if _, err := os.Stat(keystore.Keyfile()); err == nil {
		return fmt.Errorf("a key already lives under: %s", path.Dir(keystore.Keyfile()))
	}

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generating identity: %v", err)
	}

	if err := keystore.Save(id); err != nil {
		return fmt.Errorf("writing private key: %v", err)
	}

	fmt.Printf("Your private key has been saved to: %s\n", keystore.Keyfile())
	fmt.Printf("Node ID: %s\n", id.NodeID())
	fmt.Printf("Wallet:  %s\n", id.Wallet())
	fmt.Printf("\nRecovery phrase (write it down, it will not be shown again):\n\n  %s\n\n", id.Mnemonic())

	return nil
}
