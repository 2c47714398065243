// Package cmd provides the CLI commands for the sidequest job server.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// verbose enables verbose output
	verbose bool
	// outputFormat specifies the output format (json, plain)
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sidequest",
	Short: "Persistent job scheduling and execution server",
	Long: `Sidequest runs background analysis pipelines against git repositories.

Jobs are accepted over an HTTP API or a cron schedule, executed by
per-pipeline workers with bounded concurrency and classified retries,
and persisted so a restart never loses queued work.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// NewRootCmd creates a fresh command tree; tests use it to avoid shared
// flag state between runs.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sidequest",
		Short:        rootCmd.Short,
		Long:         rootCmd.Long,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "plain", "output format (json|plain)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "plain", "output format (json|plain)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
}
