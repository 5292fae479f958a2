package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/metrics"
	"github.com/WizardOfCommits/wp-meta-updater/internal/scheduler"
	"github.com/WizardOfCommits/wp-meta-updater/internal/workingset"
)

const timeLayout = "2006-01-02 15:04"

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled bulk updates",
	}
	cmd.AddCommand(
		newScheduleAddCmd(opts),
		newScheduleListCmd(opts),
		newScheduleCancelCmd(opts),
		newScheduleRescheduleCmd(opts),
	)
	return cmd
}

// parseTime accepts RFC 3339 or "YYYY-MM-DD HH:MM" in local time.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC 3339 or %q", s, timeLayout)
	}
	return t, nil
}

func newScheduleAddCmd(opts *rootOptions) *cobra.Command {
	var (
		at           string
		name         string
		method       string
		items        []string
		intervalDays int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule an update of the given items, or of every modified item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseTime(at)
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			var refs []domain.RecordRef
			if len(items) > 0 {
				if refs, err = parseRefs(items); err != nil {
					return err
				}
			} else {
				set, err := workingset.LoadSession(a.sessionPath())
				if err != nil {
					return err
				}
				for _, rec := range set.Modified() {
					refs = append(refs, rec.Ref())
				}
			}

			sched, err := a.scheduler(nil)
			if err != nil {
				return err
			}
			u, err := sched.Add(cmd.Context(), scheduler.NewUpdate{
				Name:         name,
				ScheduleTime: when,
				Recurring:    intervalDays > 0,
				IntervalDays: intervalDays,
				Items:        refs,
				Method:       domain.Method(method),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %d (%d items) for %s\n",
				u.ID, len(u.Items), u.ScheduleTime.Local().Format(timeLayout))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "when to run (RFC 3339 or \"YYYY-MM-DD HH:MM\")")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVarP(&method, "method", "m", string(domain.MethodAPI), "update path: api or mysql")
	cmd.Flags().StringSliceVarP(&items, "item", "i", nil, "items to update (type:id), default all modified")
	cmd.Flags().IntVar(&intervalDays, "every", 0, "repeat every N days")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newScheduleListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.scheduler(nil)
			if err != nil {
				return err
			}
			updates, err := sched.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tWHEN\tREPEAT\tMETHOD\tITEMS\tSTATUS\tLAST RESULT")
			for _, u := range updates {
				repeat := "-"
				if u.Recurring {
					repeat = fmt.Sprintf("%dd", u.IntervalDays)
				}
				last := u.LastError
				if last == "" && u.LastResult != nil {
					last = fmt.Sprintf("%d ok, %d failed", u.LastResult.Success, u.LastResult.Failed)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					u.ID, u.Name, u.ScheduleTime.Local().Format(timeLayout), repeat,
					u.Method, len(u.Items), u.Status, last)
			}
			return tw.Flush()
		},
	}
}

func newScheduleCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a scheduled update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.scheduler(nil)
			if err != nil {
				return err
			}
			if err := sched.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d\n", id)
			return nil
		},
	}
}

func newScheduleRescheduleCmd(opts *rootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move a scheduled, missed or failed update to a new time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			when, err := parseTime(at)
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.scheduler(nil)
			if err != nil {
				return err
			}
			u, err := sched.Reschedule(cmd.Context(), id, when)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %d for %s\n", u.ID, u.ScheduleTime.Local().Format(timeLayout))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new time (RFC 3339 or \"YYYY-MM-DD HH:MM\")")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newSchedulerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Execute scheduled updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			dispatcher, err := a.dispatcher()
			if err != nil {
				return err
			}
			sched, err := a.scheduler(dispatcher)
			if err != nil {
				return err
			}
			if err := sched.Recover(ctx); err != nil {
				return err
			}

			if addr := a.cfg.Metrics.Addr; addr != "" {
				srv := &http.Server{
					Addr:              addr,
					Handler:           metricsMux(a),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					a.logger.Info("serving metrics", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			a.logger.Info("starting scheduler",
				"interval", a.cfg.Scheduler.Interval,
				"store", a.cfg.Scheduler.Store,
				"data_dir", a.cfg.Paths.DataDir,
			)

			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("scheduler error", "error", err)
				return err
			}
			return nil
		},
	})
	return cmd
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
