// Package main is the kioku command: the conversation engine server plus
// operator commands that read its database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/config"
)

// configPath is the --config flag shared by every command.
var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kioku",
		Short: "Durable conversation orchestration engine",
		Long: `kioku answers conversational input over WebSocket, Matrix and NATS,
remembers every exchange in long-term memory, and periodically
consolidates each conversation into a new generation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config file (default "+config.DefaultPath+" when present)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newMemoryCmd())
	root.AddCommand(newGenerationsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Source, error) {
	return config.Load(configPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
