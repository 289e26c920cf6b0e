package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/monitoring"
	"github.com/sells-group/lead-enricher/internal/store"
	"github.com/sells-group/lead-enricher/pkg/salesforce"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted jobs",
	Long:  "Commands for listing jobs, reading their scored leads and exporting them to Salesforce.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{State: model.JobState(state), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the summary of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		summary, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		formatSummary(os.Stdout, *summary)
		return nil
	},
}

// -- jobs leads --

var jobsLeadsCmd = &cobra.Command{
	Use:   "leads <job-id>",
	Short: "List the scored leads of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tier, _ := cmd.Flags().GetString("tier")
		limit, _ := cmd.Flags().GetInt("limit")

		leads, err := st.ListScoredLeads(ctx, args[0], store.LeadFilter{Tier: tier, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs leads")
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}

		formatLeads(os.Stdout, leads)
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate job statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st).Collect(ctx, max(int(since/time.Hour), 1))
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatMetrics(os.Stdout, snap)
		return nil
	},
}

// -- jobs export --

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Create Salesforce leads for the scored leads of a job",
	Long: "Creates one Lead sObject per scored lead in batches of 200. Unlike the salesforce " +
		"sink this does not look up existing leads first, so export a job only once.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sf, err := initSalesforce()
		if err != nil {
			return err
		}

		tier, _ := cmd.Flags().GetString("tier")
		created, failed, err := exportLeads(ctx, st, sf, args[0], tier)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Exported %d leads (%d failed)\n", created, failed)
		return nil
	},
}

// exportLeads pages through the scored leads of a job and bulk-creates them
// in Salesforce. It returns the created and failed record counts.
func exportLeads(ctx context.Context, st store.Store, sf salesforce.Client, jobID, tier string) (int, int, error) {
	const page = 200
	created, failed := 0, 0
	for offset := 0; ; offset += page {
		leads, err := st.ListScoredLeads(ctx, jobID, store.LeadFilter{Tier: tier, Limit: page, Offset: offset})
		if err != nil {
			return created, failed, eris.Wrap(err, "jobs export: list leads")
		}
		if len(leads) == 0 {
			return created, failed, nil
		}

		records := make([]map[string]any, len(leads))
		for i, l := range leads {
			records[i] = store.LeadFields(l)
		}
		results, err := salesforce.BulkCreateLeads(ctx, sf, cfg.Salesforce.LeadObject, records)
		if err != nil {
			return created, failed, eris.Wrap(err, "jobs export")
		}
		for i, r := range results {
			if r.Success {
				created++
				continue
			}
			failed++
			zap.L().Warn("jobs export: lead rejected",
				zap.String("lead", leads[i].Record.Lead.Identifier),
				zap.Strings("errors", r.Errors),
			)
		}
		if len(leads) < page {
			return created, failed, nil
		}
	}
}

func init() {
	jobsListCmd.Flags().String("state", "", "filter by job state (pending, running, completed, failed)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsShowCmd.Flags().Bool("json", false, "print the summary as JSON")

	jobsLeadsCmd.Flags().String("tier", "", "filter by tier")
	jobsLeadsCmd.Flags().Int("limit", 100, "max number of leads to display")

	jobsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	jobsExportCmd.Flags().String("tier", "", "only export leads of this tier")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsLeadsCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsExportCmd)
	rootCmd.AddCommand(jobsCmd)
}
