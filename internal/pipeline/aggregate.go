package pipeline

import (
	"cmp"
	"reflect"
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
)

// Aggregator merges adapter results into an EnrichmentRecord. Adapters
// earlier in the precedence list are more trusted; adapters not listed rank
// after the listed ones, ordered by name.
type Aggregator struct {
	rank map[string]int
}

// NewAggregator returns an aggregator for the given precedence order.
// Duplicate names keep their first position.
func NewAggregator(precedence []string) *Aggregator {
	rank := make(map[string]int, len(precedence))
	for i, name := range precedence {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	return &Aggregator{rank: rank}
}

// Order sorts adapter names by precedence.
func (g *Aggregator) Order(names []string) []string {
	out := slices.Clone(names)
	slices.SortFunc(out, func(a, b string) int {
		ra, aok := g.rank[a]
		rb, bok := g.rank[b]
		switch {
		case aok && bok:
			return cmp.Compare(ra, rb)
		case aok:
			return -1
		case bok:
			return 1
		}
		return cmp.Compare(a, b)
	})
	return out
}

// Aggregate builds the record for a lead. Each succeeding adapter
// contributes its fields under its own name; for the canonical view the
// most trusted adapter that supplied a non-nil value wins. Adapters that did
// not succeed contribute nothing and are listed in Failed. The input map is
// not modified and the same input always yields an equal record.
func (g *Aggregator) Aggregate(lead model.Lead, results map[string]model.AdapterResult) model.EnrichmentRecord {
	rec := model.EnrichmentRecord{
		Lead:      lead,
		Results:   make(map[string]model.AdapterResult, len(results)),
		Fields:    make(map[string]model.Fields, len(results)),
		Canonical: make(map[string]model.CanonicalField),
		Failed:    []string{},
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}

	for _, name := range g.Order(names) {
		res := results[name]
		res.Fields = res.Fields.Clone()
		rec.Results[name] = res

		if !res.Succeeded() {
			rec.Failed = append(rec.Failed, name)
			continue
		}

		fields := res.Fields
		if fields == nil {
			fields = model.Fields{}
		}
		rec.Fields[name] = fields

		for _, key := range fields.Keys() {
			v := fields[key]
			if v == nil {
				continue
			}
			existing, ok := rec.Canonical[key]
			if !ok {
				rec.Canonical[key] = model.CanonicalField{Value: v, Source: name}
				continue
			}
			if !reflect.DeepEqual(existing.Value, v) {
				zap.L().Debug("pipeline: adapters disagree",
					zap.String("lead", lead.ID),
					zap.String("field", key),
					zap.String("kept_source", existing.Source),
					zap.String("dropped_source", name),
				)
			}
		}
	}

	slices.Sort(rec.Failed)
	return rec
}
