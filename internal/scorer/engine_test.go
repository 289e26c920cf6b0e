package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/model"
)

func recordWith(fields map[string]any) model.EnrichmentRecord {
	canon := make(map[string]model.CanonicalField, len(fields))
	for k, v := range fields {
		canon[k] = model.CanonicalField{Value: v, Source: "test"}
	}
	return model.EnrichmentRecord{Canonical: canon}
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultTable())
	require.NoError(t, err)
	return e
}

func TestScore_AllFieldsPresent(t *testing.T) {
	e := defaultEngine(t)
	rec := recordWith(map[string]any{
		"email_valid":  true,
		"mx_records":   []string{"mx1.acme.io"},
		"registrar":    "GoDaddy",
		"profiles":     []string{"github"},
		"organization": "Acme Inc",
		"spf":          true,
		"industry":     "Software",
	})

	res := e.Score(rec)
	assert.InDelta(t, 100, res.Score, 0.0001)
	assert.Equal(t, "Hot", res.Tier)
	assert.Len(t, res.Contributions, 7)
}

func TestScore_WeightedSum(t *testing.T) {
	e := defaultEngine(t)

	tests := []struct {
		name   string
		fields map[string]any
		want   float64
		tier   string
	}{
		{"nothing", map[string]any{}, 0, "Cold"},
		{"valid email only", map[string]any{"email_valid": true}, 20, "Cold"},
		{"email and mx", map[string]any{"email_valid": true, "mx_records": []string{"mx"}}, 35, "Cold"},
		{"warm", map[string]any{"email_valid": true, "mx_records": []string{"mx"}, "spf": true}, 45, "Warm"},
		{"hot threshold", map[string]any{
			"email_valid": true, "mx_records": []string{"mx"}, "registrar": "X",
			"profiles": map[string]string{"github": "u"},
		}, 70, "Hot"},
		{"unknown registrar", map[string]any{"registrar": "Unknown"}, 0, "Cold"},
		{"invalid email", map[string]any{"email_valid": false}, 0, "Cold"},
		{"empty lists", map[string]any{"mx_records": []string{}, "profiles": []any{}}, 0, "Cold"},
		{"unweighted field", map[string]any{"dmarc": true}, 0, "Cold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Score(recordWith(tt.fields))
			assert.InDelta(t, tt.want, res.Score, 0.0001)
			assert.Equal(t, tt.tier, res.Tier)
		})
	}
}

func TestScore_PartialFailureIsLower(t *testing.T) {
	e := defaultEngine(t)
	full := recordWith(map[string]any{
		"email_valid": true, "mx_records": []string{"mx"}, "spf": true, "registrar": "X",
	})
	// dns failed: no mx_records, no spf.
	partial := recordWith(map[string]any{"email_valid": true, "registrar": "X"})
	partial.Failed = []string{"dns"}

	fullRes := e.Score(full)
	partialRes := e.Score(partial)
	assert.Less(t, partialRes.Score, fullRes.Score)
	assert.InDelta(t, 35, partialRes.Score, 0.0001)
}

func TestScore_Clamped(t *testing.T) {
	e, err := NewEngine(Table{
		Weights:     map[string]float64{"a": 80, "b": 80},
		Min:         0,
		Max:         100,
		DefaultTier: "Cold",
	})
	require.NoError(t, err)

	res := e.Score(recordWith(map[string]any{"a": true, "b": true}))
	assert.InDelta(t, 100, res.Score, 0.0001)
	assert.Equal(t, "Cold", res.Tier)

	e, err = NewEngine(Table{Weights: map[string]float64{"a": 5}, Min: 10, Max: 20, DefaultTier: "Low"})
	require.NoError(t, err)
	assert.InDelta(t, 10, e.Score(recordWith(map[string]any{"a": true})).Score, 0.0001)
}

func TestScore_Deterministic(t *testing.T) {
	e := defaultEngine(t)
	rec := recordWith(map[string]any{
		"email_valid": true, "mx_records": []string{"mx"}, "profiles": []string{"x"}, "industry": "Retail",
	})
	first := e.Score(rec)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, e.Score(rec))
	}
}

func TestScoreLead(t *testing.T) {
	e := defaultEngine(t)
	rec := recordWith(map[string]any{"email_valid": true})
	rec.Lead = model.Lead{ID: "l1", Identifier: "a@b.io", Kind: model.LeadKindEmail}

	sl := e.ScoreLead("job-1", rec)
	assert.Equal(t, "job-1", sl.JobID)
	assert.Equal(t, "l1", sl.Record.Lead.ID)
	assert.InDelta(t, 20, sl.Score, 0.0001)
	assert.Equal(t, "Cold", sl.Tier)
}

func TestNewEngine_SortsTiersAndCopies(t *testing.T) {
	tbl := Table{
		Weights:     map[string]float64{"a": 50},
		Min:         0,
		Max:         100,
		Tiers:       []Tier{{Name: "Warm", Min: 40}, {Name: "Hot", Min: 70}},
		DefaultTier: "Cold",
	}
	e, err := NewEngine(tbl)
	require.NoError(t, err)

	tbl.Weights["a"] = 0
	assert.Equal(t, "Hot", e.TierFor(75))
	assert.Equal(t, "Warm", e.TierFor(40))
	assert.Equal(t, "Cold", e.TierFor(39.9))
	assert.InDelta(t, 50, e.Table().Weights["a"], 0.0001)
}

func TestNewEngine_Invalid(t *testing.T) {
	_, err := NewEngine(Table{Weights: map[string]float64{"a": -1}, Max: 100, DefaultTier: "Cold"})
	assert.Error(t, err)
}

func TestIndicator(t *testing.T) {
	type custom struct{ X int }
	n := 3

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, false},
		{"true", true, true},
		{"false", false, false},
		{"string", "GoDaddy", true},
		{"empty string", "  ", false},
		{"unknown", "Unknown", false},
		{"unknown lower", "unknown", false},
		{"int", 2, true},
		{"zero int", 0, false},
		{"int32", int32(4), true},
		{"uint zero", uint(0), false},
		{"float", 0.5, true},
		{"zero float", 0.0, false},
		{"string slice", []string{"a"}, true},
		{"empty slice", []string{}, false},
		{"any slice", []any{1}, true},
		{"map", map[string]any{"k": 1}, true},
		{"empty map", map[string]string{}, false},
		{"pointer", &n, true},
		{"nil pointer", (*int)(nil), false},
		{"struct", custom{X: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Indicator(tt.v))
		})
	}
}
