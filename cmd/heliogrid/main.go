package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heliogrid",
	Short: "heliogrid - per-inverter telemetry workers",
	Long: `heliogrid supervises one isolated collection worker per registered
solar inverter. Each worker logs in to the vendor portal, polls inverter
telemetry on a fixed interval and writes it to a time-series database.

The same binary runs the supervisor daemon (serve), the operator commands
and the worker process itself (collect).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: jsonOutput,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"heliogrid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON log lines")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(applyCmd)
}
