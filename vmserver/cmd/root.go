// Package cmd provides the command-line interface of vmserver.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var envFiles []string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmserver",
	Short: "vmserver runs a demand-paged virtual memory server.",
	Long: `vmserver runs a demand-paged virtual memory server over a synthetic ` +
		`workload (run) and summarizes what a run recorded (report). The ` +
		`server is configured by VMSERVER_* environment variables, .env ` +
		`files and flags, in increasing order of precedence.`,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil,
		"dotenv files to load the configuration from (default .env)")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers, such as recorder flushes, run before the
// process ends.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
