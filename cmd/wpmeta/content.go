package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/source/wordpress"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/jsonfile"
	"github.com/WizardOfCommits/wp-meta-updater/internal/workingset"
)

func newTestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check the connection to the site and, when configured, the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			info, err := a.wordpress().TestConnection(cmd.Context())
			if err != nil {
				return fmt.Errorf("test connection: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %q\n", info.SiteName)
			if len(info.Types) > 0 {
				fmt.Fprintf(out, "Custom content types: %d\n", len(info.Types))
			}

			direct, err := a.directWriter()
			if err != nil {
				return err
			}
			if direct != nil {
				if err := direct.Prepare(cmd.Context()); err != nil {
					return fmt.Errorf("test database: %w", err)
				}
				fmt.Fprintf(out, "Database %s reachable\n", a.cfg.MySQL.Addr())
			}
			return nil
		},
	}
}

func newTypesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the custom content types exposed by the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			types, err := a.wordpress().DiscoverTypes(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover types: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tREST BASE")
			for _, t := range types {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Slug, t.Name, t.RestBase)
			}
			return tw.Flush()
		},
	}
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var (
		types    []string
		category int
		perPage  int
		itemRefs []string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch content from the site and replace the local working set",
		Long: "Fetch content from the site and replace the local working set.\n" +
			"With --item, only the listed items are fetched again and merged into the existing set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			client := a.wordpress()
			if len(itemRefs) > 0 {
				return refreshItems(cmd, a, client, itemRefs)
			}

			var records []domain.ContentRecord
			for _, t := range types {
				items, err := client.FetchAll(cmd.Context(), t, wordpress.ListOptions{PerPage: perPage, Category: category})
				if err != nil {
					return fmt.Errorf("fetch %s: %w", t, err)
				}
				for _, it := range items {
					records = append(records, it.Record())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d items\n", t, len(items))
			}

			set := workingset.New(records)
			if err := workingset.SaveSession(a.sessionPath(), set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d items to %s\n", set.Len(), a.sessionPath())
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", []string{"post", "page"}, "content types to fetch")
	cmd.Flags().IntVar(&category, "category", 0, "only fetch items in this category or product category id")
	cmd.Flags().IntVar(&perPage, "per-page", 0, "page size (default from config)")
	cmd.Flags().StringSliceVarP(&itemRefs, "item", "i", nil, "refresh only these items (type:id, repeatable)")
	return cmd
}

// refreshItems re-reads single items and merges them into the saved set.
// Local edits to those items are discarded.
func refreshItems(cmd *cobra.Command, a *app, client *wordpress.Client, values []string) error {
	refs, err := parseRefs(values)
	if err != nil {
		return err
	}
	set, err := workingset.LoadSession(a.sessionPath())
	if err != nil {
		return err
	}

	for _, ref := range refs {
		item, err := client.FetchItem(cmd.Context(), ref.Type, ref.ID)
		if err != nil {
			return err
		}
		set.Upsert(item.Record())
	}

	if err := workingset.SaveSession(a.sessionPath(), set); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d items, %d in %s\n", len(refs), set.Len(), a.sessionPath())
	return nil
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var modifiedOnly bool

	cmd := &cobra.Command{
		Use:   "export <file.csv>",
		Short: "Export the working set to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			set, err := workingset.LoadSession(a.sessionPath())
			if err != nil {
				return err
			}
			records := set.All()
			if modifiedOnly {
				records = set.Modified()
			}
			if len(records) == 0 {
				return fmt.Errorf("nothing to export")
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create %s: %w", args[0], err)
			}
			if err := workingset.ExportCSV(f, records); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d items to %s\n", len(records), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&modifiedOnly, "modified", false, "only export modified items")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Merge edited SEO fields from a CSV file into the working set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			set, err := workingset.LoadSession(a.sessionPath())
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			res, err := set.ImportCSV(f)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			if err := workingset.SaveSession(a.sessionPath(), set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d, created %d, skipped %d; %d items now modified\n",
				res.Updated, res.Created, res.Skipped, set.ModifiedCount())
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the working set and the latest bulk runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			set, err := workingset.LoadSession(a.sessionPath())
			if err != nil {
				return err
			}
			sum := set.Summary()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Items: %d (%d modified)\n", sum.Total, sum.Modified)
			for _, t := range sortedKeys(sum.ByType) {
				fmt.Fprintf(out, "  %s: %d\n", t, sum.ByType[t])
			}
			if sum.Total > 0 {
				fmt.Fprintf(out, "SEO titles outside the recommended length: %d\n", sum.TitleIssues)
				fmt.Fprintf(out, "SEO descriptions outside the recommended length: %d\n", sum.DescriptionIssues)
			}

			if err := printRepeatedFailures(cmd, a); err != nil {
				return err
			}

			logs, err := jsonfile.NewRunLogWriter(a.cfg.Paths.LogsDir).Recent(cmd.Context(), recent)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tKIND\tMETHOD\tTOTAL\tOK\tFAILED\tRETRIES")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					l.Timestamp.Local().Format("2006-01-02 15:04"), l.Type, l.Method,
					l.Stats.Total, l.Stats.Success, l.Stats.Failed, l.Stats.Retries)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&recent, "runs", 5, "number of recent runs to show")
	return cmd
}

// printRepeatedFailures lists records that failed in more than one run of
// the last week. It needs the postgres run history.
func printRepeatedFailures(cmd *cobra.Command, a *app) error {
	history, err := a.runHistory()
	if err != nil || history == nil {
		return err
	}
	counts, err := history.FailedRecordCounts(cmd.Context(), time.Now().Add(-7*24*time.Hour))
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(counts))
	for id, n := range counts {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Failed in several runs this week:")
	for _, id := range ids {
		fmt.Fprintf(out, "  %d: %d runs\n", id, counts[id])
	}
	return nil
}

func newUnlockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a bulk lock left behind by a process that died",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Scheduler.Store == "redis" {
				fmt.Fprintln(cmd.OutOrStdout(), "The redis bulk lock expires on its own after scheduler.job_timeout")
				return nil
			}
			if err := jsonfile.NewDirLock(a.cfg.Paths.DataDir).ForceUnlock(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Bulk lock removed")
			return nil
		},
	}
}

// parseRefs reads "type:id" pairs.
func parseRefs(values []string) ([]domain.RecordRef, error) {
	refs := make([]domain.RecordRef, 0, len(values))
	for _, v := range values {
		typ, idStr, ok := strings.Cut(v, ":")
		if !ok || typ == "" {
			return nil, fmt.Errorf("invalid item %q, want type:id", v)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid item id in %q", v)
		}
		refs = append(refs, domain.RecordRef{ID: id, Type: typ})
	}
	return refs, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
