package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/fetcher"
	"github.com/sells-group/lead-enricher/internal/pipeline"
	"github.com/sells-group/lead-enricher/internal/resilience"
	"github.com/sells-group/lead-enricher/internal/source"
	"github.com/sells-group/lead-enricher/internal/store"
	"github.com/sells-group/lead-enricher/pkg/anthropic"
	"github.com/sells-group/lead-enricher/pkg/notion"
	"github.com/sells-group/lead-enricher/pkg/salesforce"
)

// appEnv holds the store, clients and job machinery shared by the run and
// serve commands.
type appEnv struct {
	Store     store.Store
	Notion    notion.Client // nil without notion.token
	Manager   *pipeline.Manager
	JobConfig pipeline.JobConfig
	Adapters  []string
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Source builds the batch source named by sc.
func (e *appEnv) Source(sc config.SourceConfig) (source.Source, error) {
	return source.New(sc, cfg.Notion, source.Deps{
		Notion: e.Notion,
		Store:  e.Store,
		Fetcher: fetcher.New(fetcher.Options{
			UserAgent: "lead-enricher/" + version,
			Timeout:   sc.DownloadTimeout(),
			Policy:    e.JobConfig.Policy,
		}),
	})
}

// initEnv validates the configuration for mode and wires the store, the
// sinks, the adapters and the job manager. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	jobCfg, err := pipeline.JobConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &appEnv{Store: st, JobConfig: jobCfg}
	if cfg.Notion.Token != "" {
		env.Notion = newNotionClient(cfg.Notion)
	}

	sink, err := buildSink(st, env.Notion)
	if err != nil {
		env.Close()
		return nil, err
	}

	var ai anthropic.Client
	if cfg.Anthropic.Key != "" {
		ai = anthropic.NewClient(cfg.Anthropic.Key)
	}
	registry, err := adapter.Build(cfg, ai)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build adapters")
	}
	env.Adapters = registry.Names()

	var breakers *resilience.Breakers
	if cfg.Circuit.Enabled {
		breakers = resilience.NewBreakers(resilience.NewBreakerConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
		zap.L().Info("circuit breakers enabled",
			zap.Int("failure_threshold", cfg.Circuit.FailureThreshold),
			zap.Int("reset_timeout_secs", cfg.Circuit.ResetTimeoutSecs),
		)
	}

	controller := pipeline.NewController(jobCfg.Policy, cfg.Adapters.Timeout, breakers)
	coordinator := pipeline.NewCoordinator(registry, controller, sink)
	env.Manager = pipeline.NewManager(coordinator, st)

	zap.L().Info("pipeline ready",
		zap.Strings("adapters", jobCfg.Adapters),
		zap.Strings("registered", env.Adapters),
		zap.Int("workers", jobCfg.Workers),
		zap.String("store", cfg.Store.Driver),
	)
	return env, nil
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "lead-enricher.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		workers := int32(max(cfg.Pool.Workers, 1))
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: workers})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildSink puts the database first, then the optional CRM and Notion
// sinks.
func buildSink(st store.Store, nc notion.Client) (store.Sink, error) {
	sinks := store.MultiSink{st}
	if cfg.Store.SalesforceSink {
		sf, err := initSalesforce()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, store.NewSalesforceSink(sf, cfg.Salesforce.LeadObject))
	}
	if cfg.Store.NotionSink {
		if nc == nil {
			return nil, eris.New("notion sink needs notion.token")
		}
		sinks = append(sinks, store.NewNotionSink(nc))
	}
	if len(sinks) == 1 {
		return st, nil
	}
	return sinks, nil
}

func initSalesforce() (salesforce.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (ENRICH_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	return salesforce.Connect(salesforce.Credentials{
		LoginURL:  cfg.Salesforce.LoginURL,
		Username:  cfg.Salesforce.Username,
		ClientID:  cfg.Salesforce.ClientID,
		RSAPemKey: string(pemData),
	}, salesforce.WithRateLimit(20))
}

// newNotionClient builds the lead queue client from the notion section.
func newNotionClient(nc config.NotionConfig) notion.Client {
	return notion.NewClient(nc.Token,
		notion.WithRateLimit(nc.RateLimit),
		notion.WithQueue(notion.Queue{
			Property: nc.StatusProperty,
			Queued:   nc.QueuedStatus,
			Enriched: nc.EnrichedStatus,
			Failed:   nc.FailedStatus,
			Select:   nc.StatusSelect,
		}),
	)
}
