package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}

	root := &cobra.Command{
		Use:   "hostr",
		Short: "hostr hosts tenant worker processes with prepaid time/power budgets",
		Long: "hostr supervises tenant-owned worker processes. Each instance runs from " +
			"its own work directory against a prepaid budget of hosting time and power; " +
			"the daemon enforces the budget, restarts crashed instances, and parks " +
			"exhausted ones in sleep mode.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "http://localhost:8080/api",
		"base URL of the hostr daemon API")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second,
		"timeout for API requests")

	root.AddCommand(
		createServeCommand(serveFlags),
		createOwnerCommand(globalFlags),
		createInstanceCommand(globalFlags),
	)
	return root
}
