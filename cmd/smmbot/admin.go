package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smmbot/internal/app"
	"smmbot/internal/builder"
	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

func cliLogger() logx.Logger { return logx.NewConsole("WARN") }

// withState opens the store, runs fn and saves on the way out.
func withState(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, st *app.State, out io.Writer) error) error {
	ctx := cmd.Context()
	st, err := app.OpenState(ctx, cfgPath, cliLogger())
	if err != nil {
		return err
	}
	runErr := fn(ctx, st, cmd.OutOrStdout())
	if err := st.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func table(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func newUsersCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage accounts"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withState(cmd, *cfgPath, func(_ context.Context, st *app.State, out io.Writer) error {
					tw := table(out)
					fmt.Fprintln(tw, "ID\tCHAT\tPROFILES\tTEMPLATES\tORDERS\tCREATED")
					for _, u := range st.Accounts.Users() {
						chat := "-"
						if u.TelegramID != 0 {
							chat = strconv.FormatInt(u.TelegramID, 10)
						}
						fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", u.ID, chat,
							len(u.APIProfiles), len(u.Templates), len(u.Orders), u.CreatedAt.Format(time.DateOnly))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "add <user>",
			Short: "Create an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withState(cmd, *cfgPath, func(ctx context.Context, st *app.State, out io.Writer) error {
					u, err := st.Accounts.AddUser(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "user %s created\n", u.ID)
					return nil
				})
			},
		},
	)
	return cmd
}

func newProfilesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "profiles", Short: "Manage panel credentials"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <user> <name> <api_url> <api_key>",
			Short: "Store or replace a named panel credential",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withState(cmd, *cfgPath, func(ctx context.Context, st *app.State, out io.Writer) error {
					if err := st.Accounts.AddProfile(ctx, args[0], args[1], args[2], args[3]); err != nil {
						return err
					}
					fmt.Fprintf(out, "profile %s saved for %s\n", args[1], args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list <user>",
			Short: "List panel credentials (keys are masked)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withState(cmd, *cfgPath, func(_ context.Context, st *app.State, out io.Writer) error {
					u, err := st.Accounts.Get(args[0])
					if err != nil {
						return err
					}
					tw := table(out)
					fmt.Fprintln(tw, "NAME\tURL\tKEY")
					for name, p := range u.APIProfiles {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", name, p.URL, maskKey(p.Key))
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}

func newTemplatesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "templates", Short: "Manage job templates"}

	var (
		tpl    domain.Template
		growth string
	)
	add := &cobra.Command{
		Use:   "add <user>",
		Short: "Save a job template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := builder.ParseGrowth(growth)
			if err != nil {
				return err
			}
			t := tpl
			t.GrowthMin, t.GrowthMax = g.Min, g.Max
			return withState(cmd, *cfgPath, func(ctx context.Context, st *app.State, out io.Writer) error {
				saved, err := st.Accounts.AddTemplate(ctx, args[0], t)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "template %s saved (%s)\n", saved.Name, saved.ID)
				return nil
			})
		},
	}
	f := add.Flags()
	f.StringVar(&tpl.Name, "name", "", "template name")
	f.StringVar(&tpl.Description, "description", "", "free-form description")
	f.StringVar(&tpl.APIProfile, "profile", "", "panel credential to use")
	f.StringVar(&tpl.ServiceID, "service", "", "panel service id")
	f.IntVar(&tpl.Quantity, "quantity", 0, "initial quantity")
	f.StringVar(&growth, "growth", "0-0", "growth range in percent, e.g. 5-10")
	f.IntVar(&tpl.Frequency, "frequency", 60, "minutes between orders")
	for _, name := range []string{"name", "profile", "service", "quantity"} {
		_ = add.MarkFlagRequired(name)
	}

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List saved templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, *cfgPath, func(_ context.Context, st *app.State, out io.Writer) error {
				u, err := st.Accounts.Get(args[0])
				if err != nil {
					return err
				}
				tw := table(out)
				fmt.Fprintln(tw, "ID\tNAME\tPROFILE\tSERVICE\tQTY\tGROWTH\tEVERY\tUSED")
				for _, t := range u.Templates {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%g-%g%%\t%dm\t%d\n",
						t.ID, t.Name, t.APIProfile, t.ServiceID, t.Quantity, t.GrowthMin, t.GrowthMax, t.Frequency, t.UsageCount)
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(add, list)
	return cmd
}

func newJobsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and control automation jobs"}

	var (
		user string
		all  bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd, *cfgPath, func(_ context.Context, st *app.State, out io.Writer) error {
				tw := table(out)
				fmt.Fprintln(tw, "ID\tUSER\tSTATE\tSERVICE\tQTY\tEVERY\tNEXT RUN\tERRORS\tLINK")
				for _, j := range st.Accounts.ListJobs(user, all) {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dm\t%s\t%d\t%s\n",
						j.ID, j.UserID, jobState(j), j.ServiceID, j.Quantity, j.Frequency,
						j.NextRun.Format(time.DateTime), j.ErrorCount, j.Link)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVarP(&user, "user", "u", "", "only this user's jobs")
	list.Flags().BoolVarP(&all, "all", "a", false, "include stopped jobs")

	type transitionFunc func(ctx context.Context, id, requester string) (*domain.Job, error)
	// Pause and resume are owner-only, so the operator acts as the owner.
	transition := func(use, short string, asOwner bool, fn func(st *app.State) transitionFunc) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <job_id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withState(cmd, *cfgPath, func(ctx context.Context, st *app.State, out io.Writer) error {
					requester := domain.AdminUserID
					if asOwner {
						j, ok := st.Repo.Get(args[0])
						if !ok {
							return domain.ErrNotFound
						}
						requester = j.UserID
					}
					j, err := fn(st)(ctx, args[0], requester)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s\n", j.ID, jobState(j))
					return nil
				})
			},
		}
	}
	cmd.AddCommand(
		list,
		transition("stop", "Stop a job", false, func(st *app.State) transitionFunc { return st.Jobs.Stop }),
		transition("pause", "Pause a job", true, func(st *app.State) transitionFunc { return st.Jobs.Pause }),
		transition("resume", "Resume a job and make it due now", true, func(st *app.State) transitionFunc { return st.Jobs.Resume }),
	)
	return cmd
}

func jobState(j *domain.Job) string {
	switch {
	case j.Stopped:
		return "stopped"
	case j.Paused:
		return "paused"
	}
	return "active"
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}
