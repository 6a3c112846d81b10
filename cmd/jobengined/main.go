package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"jobengine/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCmd is the root command. Every sub-command reads the shared configuration flags.
func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobengined",
		Short:         "jobengined schedules and runs jobs in a bounded execution pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		serveCmd(),
		jobsCmd(),
		executionsCmd(),
	)
	return cmd
}
