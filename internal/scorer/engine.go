package scorer

import (
	"cmp"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/sells-group/lead-enricher/internal/model"
)

// Result is a score, its tier and each field's contribution.
type Result struct {
	Score         float64            `json:"score"`
	Tier          string             `json:"tier"`
	Contributions map[string]float64 `json:"contributions"`
}

// Engine scores enrichment records against a fixed table. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	table Table
	keys  []string
}

// NewEngine validates t and returns an engine over a private copy of it.
func NewEngine(t Table) (*Engine, error) {
	if err := ValidateTable(t); err != nil {
		return nil, err
	}
	cp := Table{
		Weights:     maps.Clone(t.Weights),
		Min:         t.Min,
		Max:         t.Max,
		Tiers:       slices.Clone(t.Tiers),
		DefaultTier: t.DefaultTier,
	}
	slices.SortStableFunc(cp.Tiers, func(a, b Tier) int {
		return cmp.Compare(b.Min, a.Min)
	})
	return &Engine{table: cp, keys: sortedKeys(cp.Weights)}, nil
}

// Table returns a copy of the engine's table.
func (e *Engine) Table() Table {
	return Table{
		Weights:     maps.Clone(e.table.Weights),
		Min:         e.table.Min,
		Max:         e.table.Max,
		Tiers:       slices.Clone(e.table.Tiers),
		DefaultTier: e.table.DefaultTier,
	}
}

// Score sums weight * indicator over the canonical fields, clamps the total
// to the table range and looks up the tier. Missing or failed fields add
// zero. Fields are visited in sorted order so the float sum is stable.
func (e *Engine) Score(rec model.EnrichmentRecord) Result {
	res := Result{Contributions: make(map[string]float64)}

	var total float64
	for _, key := range e.keys {
		v, ok := rec.Value(key)
		if !ok || !Indicator(v) {
			continue
		}
		w := e.table.Weights[key]
		res.Contributions[key] = w
		total += w
	}

	res.Score = clamp(total, e.table.Min, e.table.Max)
	res.Tier = e.TierFor(res.Score)
	return res
}

// ScoreLead wraps Score into a ScoredLead for the given job.
func (e *Engine) ScoreLead(jobID string, rec model.EnrichmentRecord) model.ScoredLead {
	res := e.Score(rec)
	return model.ScoredLead{
		JobID:         jobID,
		Record:        rec,
		Score:         res.Score,
		Tier:          res.Tier,
		Contributions: res.Contributions,
	}
}

// TierFor returns the first tier whose threshold the score meets.
func (e *Engine) TierFor(score float64) string {
	for _, t := range e.table.Tiers {
		if score >= t.Min {
			return t.Name
		}
	}
	return e.table.DefaultTier
}

// Indicator reports whether a field value counts as present and valid:
// true, a non-zero number, a non-empty string other than "Unknown", or a
// non-empty list or map.
func Indicator(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		s := strings.TrimSpace(x)
		return s != "" && !strings.EqualFold(s, "unknown")
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	case reflect.Pointer:
		return !rv.IsNil() && Indicator(rv.Elem().Interface())
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
