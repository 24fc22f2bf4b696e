package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultOpsURL = "http://localhost:8081"

func newRootCommand() *cobra.Command {
	opsURL := os.Getenv("NOTIFY_OPS_URL")
	if opsURL == "" {
		opsURL = defaultOpsURL
	}

	opts := &clientOptions{}
	rootCmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Operate the appointment notification worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "ops-url", opsURL, "Base URL of the worker ops API")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(newEnqueueCommand(opts))
	rootCmd.AddCommand(newSessionCommand(opts))
	rootCmd.AddCommand(newEventsCommand(opts))
	rootCmd.AddCommand(newHealthCommand(opts))

	return rootCmd
}
