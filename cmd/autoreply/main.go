package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"autoreply/internal/config"
	"autoreply/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "autoreply",
		Short:        "Chat auto-reply daemon",
		Version:      server.Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "./config.yaml", "Path to the config file (yaml or json).")
	cmd.PersistentFlags().String("log-level", "warn", "Log level for offline subcommands: debug|info|warn|error.")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newContactsCmd())
	cmd.AddCommand(newSessionsCmd())
	return cmd
}

// loadConfig reads and validates the file named by --config without starting
// the daemon.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.NewManager(path).Load()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
