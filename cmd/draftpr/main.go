// Package main implements the draftpr CLI: it turns a story into a reviewed
// implementation plan and, once the plan is approved, into a draft pull
// request.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// outputJSON prints machine-readable output.
	outputJSON bool
	// useTemporal routes job control through Temporal workflows.
	useTemporal bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "draftpr",
	Short: "Generate, approve and apply implementation plans as draft PRs",
	Long: `draftpr drives a story through plan generation, human approval,
code application, verification and draft pull request creation.

Every job is recorded as a directory of artifacts, so any command can pick a
job up where another left off.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/draftpr/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().BoolVar(&useTemporal, "temporal", false, "Drive jobs through Temporal workflows")
}
