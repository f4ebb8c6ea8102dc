package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	baseURL string
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "opsgate",
	Short: "OpsGate is the secure session client for the facility ops backend",
	Long: `Client for the facility operations authentication backend: signed
transport, secure session management, and the legacy token-storage
migration. Session state persists under the data directory so commands
compose across invocations.`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8787", "Backend origin")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent client state")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
