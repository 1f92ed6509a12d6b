package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/azisaba/commander/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "commander",
	Short: "Commander is a session authentication service",
	Long: `Commander authenticates users with a username and password, optionally
followed by a TOTP second factor, and issues session tokens that backend
services check before acting on behalf of a user.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterStorageFlags(rootCmd.PersistentFlags())
}
