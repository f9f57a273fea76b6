package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "proxyprobe",
		Short: "Measure proxy configurations through a local engine",
		Long: `proxyprobe starts a local proxy engine for each configuration in the
manifest, sends one HTTP request through it and records the delay.

Examples:
  proxyprobe serve --config proxyprobe.toml
  proxyprobe sweep                                  # one sweep, then exit
  proxyprobe status --api-url=http://127.0.0.1:7070/api
  proxyprobe import --url https://example.com/sub`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createSweepCommand(globalFlags),
		createStatusCommand(globalFlags),
		createImportCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}
