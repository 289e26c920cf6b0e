package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered leads",
	Long:  "Leads that were aborted or could not be saved. Resubmit them with `run --source dlq`.",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered leads, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(ctx, dlqFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}

		formatDLQ(os.Stdout, entries)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove dead-lettered leads without resubmitting them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(ctx, dlqFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "dlq purge")
		}
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := st.RemoveDLQ(ctx, ids); err != nil {
			return eris.Wrap(err, "dlq purge")
		}
		fmt.Fprintf(os.Stdout, "Removed %d entries\n", len(ids))
		return nil
	},
}

func dlqFilter(cmd *cobra.Command) store.DLQFilter {
	job, _ := cmd.Flags().GetString("job")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	return store.DLQFilter{JobID: job, Kind: model.ErrorKind(kind), Limit: limit}
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqPurgeCmd} {
		c.Flags().String("job", "", "only entries of this job")
		c.Flags().String("kind", "", "only entries with this error kind (LeadProcessingAborted, StoreWriteError)")
		c.Flags().Int("limit", 100, "max number of entries")
	}

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
