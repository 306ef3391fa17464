// Command zakucam runs one daemon of the capture pipeline per invocation:
// capture on the camera host, receive/classify/sweep on the storage host.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ymgch/zakucam/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "zakucam",
	Short: "Stability-triggered camera capture and classification pipeline",
	Long: `zakucam moves frames from a camera host to a storage host and sorts
the results by whether a person appears in them.

Each subcommand is one independent daemon:
  capture   camera host: mode controller, archive packager, transfer agent
  receive   storage host: extracts settled inbound archives
  classify  storage host: scores processed folders and promotes events
  sweep     storage host: deletes aged, non-promoted folders

Configuration comes from ZAKU_* environment variables, optionally seeded
from a .env file in the working directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.AddCommand(captureCmd, receiveCmd, classifyCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
