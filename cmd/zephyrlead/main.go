package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zephyrlead",
	Short: "Single-active coordination for same-machine peer groups",
	Long: `zephyrlead elects exactly one active peer among the running instances
of an application and keeps every instance's view of the group current,
using a broadcast bus for messages and a shared key-value store for
heartbeat liveness records.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
