package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ankesh2004/boardlink/internal/config"
)

const Version = "0.3.0"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "boardlink",
		Short: "Reliable request/response runtime for companion screens and the board",
		Long: `boardlink turns instructions for remote companion screens and the shared
board into ordered, retried request/response exchanges, and makes sure every
asset is uploaded to a peer at most once per session.

Configuration is read from --config, $BOARDLINK_CONFIG or
~/.config/boardlink/config.yaml, and BOARDLINK_* environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(newSimulateCmd())
	root.AddCommand(newLibraryCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Display the version of boardlink",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "boardlink version %s\n", Version)
		},
	})
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
