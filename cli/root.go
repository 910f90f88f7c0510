// Package cli implements the deepresearch command line.
package cli

import (
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	return newRootCmd(registerWorkers)
}

func newRootCmd(register workerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "deepresearch",
		Short:         "Multi-agent research orchestration",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("env-file", ".env", "Path to an environment file")
	flags.String("mode", "", "Configuration mode (default, development, production)")
	flags.String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.Bool("log-source", false, "Include source locations in logs")
	flags.StringP("format", "f", formatText, "Output format (text, json, yaml)")

	root.AddCommand(
		newRunCmd(register),
		newResumeCmd(register),
		SnapshotCmd(),
		AuditCmd(),
		WatchCmd(),
		ConfigCmd(),
		VersionCmd(),
	)

	return root
}
