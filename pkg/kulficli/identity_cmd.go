package kulficli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kulfi-go/kulfi/internal/id52"
)

var identityFile string

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage this node's Ed25519 identity",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new identity and write it to the identity file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := identityFile
		if path == "" {
			path = defaultIdentityFile
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("identity file %s already exists", path)
		}
		kp, err := id52.Generate()
		if err != nil {
			return err
		}
		if err := saveIdentity(path, kp); err != nil {
			return err
		}
		fmt.Println(kp.ID52)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the id52 of the identity file, creating one if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := identityFile
		if path == "" {
			path = defaultIdentityFile
		}
		kp, err := loadIdentity(path)
		if err != nil {
			return err
		}
		fmt.Println(kp.ID52)
		return nil
	},
}

func init() {
	identityCmd.PersistentFlags().StringVar(&identityFile, "file", "", "identity file path (default .kulfi.id52)")
	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityShowCmd)
}
