package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"smmbot/internal/app"
)

const stopTimeout = 15 * time.Second

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgPath)
		},
	}
}

func runServe(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return errors.Wrap(err, "start")
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	var wire bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file",
		Long: `Parse and validate the config file. With --wire every component is
also built against the configured store, without contacting Telegram.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !wire {
				st, err := app.OpenState(cmd.Context(), *cfgPath, cliLogger())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d users, %d jobs\n", len(st.Accounts.Users()), len(st.Repo.List()))
				return st.Close(cmd.Context())
			}
			a, err := app.NewApp(*cfgPath, app.WithOffline())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok: all components wired")
			return a.Stop(cmd.Context(), app.StopAppStop)
		},
	}
	cmd.Flags().BoolVar(&wire, "wire", false, "also build every component")
	return cmd
}
