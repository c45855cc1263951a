package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "smmbot",
		Short: "SMM panel automation bot",
		Long: `smmbot places growing SMM panel orders on a schedule and is driven
through a Telegram bot.

Running without a subcommand is the same as "smmbot serve". The operator
commands (users, profiles, templates, jobs) edit the store directly and
must not run against a store that a serving process holds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
		newUsersCmd(&cfgPath),
		newProfilesCmd(&cfgPath),
		newTemplatesCmd(&cfgPath),
		newJobsCmd(&cfgPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
