package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/pipeline"
	"github.com/sells-group/lead-enricher/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich one batch of leads",
	Long: "Loads a batch from a CSV or XLSX file, the Notion lead queue or the dead-letter queue, " +
		"enriches it and prints the job summary. Ctrl-C cancels the job; leads not yet started " +
		"are aborted and dead-lettered.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sc, err := runSourceConfig(cmd, cfg.Source)
		if err != nil {
			return err
		}
		cfg.Source = sc
		if err := applyPoolFlags(cmd, &cfg.Pool); err != nil {
			return err
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Source(sc)
		if err != nil {
			return err
		}
		if dlq, ok := src.(*source.DLQSource); ok {
			dlq.JobID, _ = cmd.Flags().GetString("job")
			kind, _ := cmd.Flags().GetString("kind")
			dlq.Kind = model.ErrorKind(kind)
		}

		seq, err := src.LoadBatch(ctx, "", env.JobConfig.BatchSize)
		if err != nil {
			return eris.Wrap(err, "load batch")
		}
		leads, err := pipeline.Collect(seq)
		if err != nil {
			return err
		}
		zap.L().Info("batch loaded", zap.String("source", sc.Kind), zap.Int("leads", len(leads)))

		summary, err := env.Manager.Run(ctx, env.JobConfig, leads)
		if err != nil {
			return eris.Wrap(err, "run job")
		}

		formatSummary(os.Stdout, summary)
		if summary.State == model.JobStateFailed {
			return eris.Errorf("job %s failed: %s", summary.JobID, summary.Error)
		}
		return nil
	},
}

// runSourceConfig applies the --source, --path, --column and --sheet flags
// over the configured source.
func runSourceConfig(cmd *cobra.Command, sc config.SourceConfig) (config.SourceConfig, error) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		sc.Kind, _ = flags.GetString("source")
	}
	if flags.Changed("path") {
		sc.Path, _ = flags.GetString("path")
	}
	if flags.Changed("column") {
		sc.Column, _ = flags.GetString("column")
	}
	if flags.Changed("sheet") {
		sc.Sheet, _ = flags.GetString("sheet")
	}
	switch sc.Kind {
	case "csv", "xlsx":
		if sc.Path == "" {
			return sc, eris.Errorf("--path is required for the %s source", sc.Kind)
		}
	case "notion", "dlq":
	default:
		return sc, eris.Errorf("unknown source %q (csv, xlsx, notion, dlq)", sc.Kind)
	}
	return sc, nil
}

// applyPoolFlags applies --workers and --batch-size over the pool config.
func applyPoolFlags(cmd *cobra.Command, pc *config.PoolConfig) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		n, _ := flags.GetInt("workers")
		if n < 1 {
			return eris.New("--workers must be >= 1")
		}
		pc.Workers = n
	}
	if flags.Changed("batch-size") {
		n, _ := flags.GetInt("batch-size")
		if n < 1 {
			return eris.New("--batch-size must be >= 1")
		}
		pc.BatchSize = n
	}
	return nil
}

func addRunFlags(c *cobra.Command) {
	c.Flags().String("source", "", "batch source: csv, xlsx, notion or dlq (default from config)")
	c.Flags().String("path", "", "csv or xlsx file; may be an http(s) or ftp URL or a .zip")
	c.Flags().String("column", "", "identifier column (default: first of email, domain, website, url)")
	c.Flags().String("sheet", "", "xlsx sheet (default: first sheet)")
	c.Flags().Int("workers", 0, "worker count (default from config)")
	c.Flags().Int("batch-size", 0, "max leads in the batch (default from config)")
	c.Flags().String("job", "", "dlq source: only resubmit leads of this job")
	c.Flags().String("kind", "", "dlq source: only resubmit leads with this error kind")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
