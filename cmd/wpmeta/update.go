package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/service"
	"github.com/WizardOfCommits/wp-meta-updater/internal/workingset"
)

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		method string
		items  []string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Push modified SEO fields to WordPress",
		Long: "Push SEO fields to WordPress. Without --item every modified record " +
			"of the working set is sent. Interrupting finishes the current batch and stops.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := domain.Method(method)
			if !m.Valid() {
				return fmt.Errorf("unknown method %q, want api or mysql", method)
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			set, err := workingset.LoadSession(a.sessionPath())
			if err != nil {
				return err
			}

			kind := domain.RunAllModified
			records := set.Modified()
			if len(items) > 0 {
				refs, err := parseRefs(items)
				if err != nil {
					return err
				}
				kind = domain.RunSelected
				records = set.Resolve(refs)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to update")
				return nil
			}

			dispatcher, err := a.dispatcher()
			if err != nil {
				return err
			}

			var progress service.ProgressFunc
			if !quiet {
				progress = progressPrinter(cmd.ErrOrStderr())
			}

			stats, runErr := dispatcher.Execute(cmd.Context(), service.Request{
				Kind:    kind,
				Method:  m,
				Records: records,
			}, progress)
			if stats == nil {
				return fmt.Errorf("update: %w", runErr)
			}

			if marked := set.MarkSynced(records, stats); marked > 0 {
				if err := workingset.SaveSession(a.sessionPath(), set); err != nil {
					return err
				}
			}

			printStats(cmd.OutOrStdout(), stats)
			switch {
			case errors.Is(runErr, domain.ErrCancelled):
				return fmt.Errorf("update interrupted: %w", runErr)
			case runErr != nil:
				return fmt.Errorf("update: %w", runErr)
			case stats.Failed > 0:
				return fmt.Errorf("%d of %d records failed", stats.Failed, stats.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", string(domain.MethodAPI), "update path: api or mysql")
	cmd.Flags().StringSliceVarP(&items, "item", "i", nil, "only update these items (type:id)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func progressPrinter(w io.Writer) service.ProgressFunc {
	return func(completed, total int) {
		fmt.Fprintf(w, "\r%d/%d (%d%%)", completed, total, completed*100/total)
		if completed == total {
			fmt.Fprintln(w)
		}
	}
}

func printStats(w io.Writer, stats *domain.UpdateStats) {
	fmt.Fprintf(w, "Total: %d, success: %d, failed: %d, retries: %d\n",
		stats.Total, stats.Success, stats.Failed, stats.Retries)
	for _, e := range stats.Errors {
		fmt.Fprintf(w, "  %s %d %q: %s\n", e.Type, e.ID, e.Title, e.Error)
	}
}
