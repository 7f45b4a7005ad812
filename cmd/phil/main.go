package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "phil",
	Short: "Start local MongoDB clusters",
	Long: `Phil starts a standalone server, a replica set or a sharded cluster on
this machine, configures it and prints a connection string for it.

The cluster runs in the foreground until phil is interrupted, then every
process it started is stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
