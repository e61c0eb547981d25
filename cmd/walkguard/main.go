// Command walkguard runs the Walk With Me and SOS safety service.
package main

import (
	"fmt"
	"os"

	"WalkGuard/pkg/config"
	"WalkGuard/pkg/logger"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "walkguard",
		Short:         "Walk With Me and SOS safety service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			return logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newReconcileCommand(), newTokenCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
