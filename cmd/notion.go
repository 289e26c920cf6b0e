package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/pipeline"
	"github.com/sells-group/lead-enricher/internal/source"
	"github.com/sells-group/lead-enricher/pkg/notion"
)

var notionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Manage the Notion lead queue",
}

var notionImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Queue the leads of a CSV file in the Notion lead database",
	Long:  "Creates a Queued page per lead. `run --source notion` enriches queued pages and marks them Enriched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Notion.Token == "" || cfg.Notion.LeadDB == "" {
			return eris.New("notion.token and notion.lead_db are required")
		}

		column, _ := cmd.Flags().GetString("column")
		seq, err := (&source.CSVSource{Path: args[0], Column: column}).LoadBatch(ctx, "", 0)
		if err != nil {
			return err
		}
		leads, err := pipeline.Collect(seq)
		if err != nil {
			return err
		}

		identifiers := make([]string, len(leads))
		for i, l := range leads {
			identifiers[i] = l.Identifier
		}

		created, err := notion.ImportLeads(ctx, newNotionClient(cfg.Notion), cfg.Notion.LeadDB, identifiers)
		if err != nil {
			zap.L().Error("notion import stopped", zap.Int("created", created), zap.Error(err))
			return err
		}
		fmt.Fprintf(os.Stdout, "Queued %d leads\n", created)
		return nil
	},
}

func init() {
	notionImportCmd.Flags().String("column", "", "identifier column (default: first of email, domain, website, url)")
	notionCmd.AddCommand(notionImportCmd)
	rootCmd.AddCommand(notionCmd)
}
