package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/resilience"
	"github.com/sells-group/lead-enricher/internal/scorer"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}
}

func testController(sl *recordingSleeper) *Controller {
	c := NewController(testPolicy(), nil, nil)
	c.Sleep = sl.Sleep
	return c
}

func testTable() scorer.Table {
	return scorer.Table{
		Weights: map[string]float64{
			"email_valid": 20,
			"mx_records":  15,
			"registrar":   15,
		},
		Min:         0,
		Max:         100,
		Tiers:       []scorer.Tier{{Name: "Hot", Min: 40}, {Name: "Warm", Min: 20}},
		DefaultTier: "Cold",
	}
}

func testJobConfig(workers int, adapters ...string) JobConfig {
	return JobConfig{
		Workers:     workers,
		BatchSize:   1000,
		LeadTimeout: 5 * time.Second,
		Policy:      testPolicy(),
		Adapters:    adapters,
		Precedence:  []string{"validator", "whois", "dns"},
		Table:       testTable(),
	}
}

func testLeads(t *testing.T, n int) []model.Lead {
	t.Helper()
	leads := make([]model.Lead, n)
	for i := range leads {
		l, err := model.NewLead("", fmt.Sprintf("user%d@acme%d.com", i, i), nil)
		require.NoError(t, err)
		leads[i] = l
	}
	return leads
}

func fieldsAdapter(name string, fields model.Fields) adapter.Func {
	return adapter.Func{
		AdapterName: name,
		Fn: func(context.Context, string) (model.Fields, error) {
			return fields.Clone(), nil
		},
	}
}

func failingAdapter(name string, err error) adapter.Func {
	return adapter.Func{
		AdapterName: name,
		Fn: func(context.Context, string) (model.Fields, error) {
			return nil, err
		},
	}
}

// stockAdapters return one field each, so an all-success lead scores 50.
func stockAdapters() []adapter.Adapter {
	return []adapter.Adapter{
		fieldsAdapter("validator", model.Fields{"email_valid": true, "domain": "acme.com"}),
		fieldsAdapter("dns", model.Fields{"mx_records": []string{"mx1.acme.com"}, "domain": "acme.com"}),
		fieldsAdapter("whois", model.Fields{"registrar": "MarkMonitor"}),
	}
}

func newTestRegistry(t *testing.T, adapters ...adapter.Adapter) *adapter.Registry {
	t.Helper()
	reg, err := adapter.NewRegistry(adapters...)
	require.NoError(t, err)
	return reg
}

// concurrencyProbe wraps an adapter and records how many lookups run at once.
type concurrencyProbe struct {
	adapter.Adapter
	delay   time.Duration
	current atomic.Int64
	peak    atomic.Int64
}

func (p *concurrencyProbe) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return p.Adapter.Lookup(ctx, identifier)
}
