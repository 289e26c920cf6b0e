// Package scorer maps enriched lead records to a numeric score and tier.
package scorer

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enricher/internal/config"
)

// Tier assigns Name to scores >= Min.
type Tier struct {
	Name string  `yaml:"name" json:"name"`
	Min  float64 `yaml:"min" json:"min"`
}

// Table is the weight table and tier thresholds the engine scores against.
type Table struct {
	Weights     map[string]float64 `yaml:"weights" json:"weights"`
	Min         float64            `yaml:"min" json:"min"`
	Max         float64            `yaml:"max" json:"max"`
	Tiers       []Tier             `yaml:"tiers" json:"tiers"`
	DefaultTier string             `yaml:"default_tier" json:"default_tier"`
}

// DefaultTable returns the stock lead scoring table. Weights sum to 100.
func DefaultTable() Table {
	return Table{
		Weights: map[string]float64{
			"email_valid":  20,
			"mx_records":   15,
			"registrar":    15,
			"profiles":     20,
			"organization": 10,
			"spf":          10,
			"industry":     10,
		},
		Min:         0,
		Max:         100,
		Tiers:       []Tier{{Name: "Hot", Min: 70}, {Name: "Warm", Min: 40}},
		DefaultTier: "Cold",
	}
}

// TableFromConfig builds a table from the scoring config section. When
// table_file is set its weights replace the configured ones; range and tiers
// from the file are used only if present.
func TableFromConfig(cfg config.ScoringConfig) (Table, error) {
	t := Table{
		Weights:     cfg.Weights,
		Min:         cfg.Min,
		Max:         cfg.Max,
		DefaultTier: cfg.DefaultTier,
	}
	for _, tc := range cfg.Tiers {
		t.Tiers = append(t.Tiers, Tier{Name: tc.Name, Min: tc.Min})
	}

	if cfg.TableFile != "" {
		file, err := LoadTableFile(cfg.TableFile)
		if err != nil {
			return Table{}, err
		}
		t.Weights = file.Weights
		if file.Max > file.Min || !finite(file.Min) || !finite(file.Max) {
			t.Min, t.Max = file.Min, file.Max
		}
		if len(file.Tiers) > 0 {
			t.Tiers = file.Tiers
		}
		if file.DefaultTier != "" {
			t.DefaultTier = file.DefaultTier
		}
	}

	if err := ValidateTable(t); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTableFile reads a YAML scoring table.
func LoadTableFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, eris.Wrapf(err, "scorer: read table file %s", path)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, eris.Wrapf(err, "scorer: parse table file %s", path)
	}
	if len(t.Weights) == 0 {
		return Table{}, eris.Errorf("scorer: table file %s has no weights", path)
	}
	return t, nil
}

// ValidateTable checks that a Table is internally consistent.
func ValidateTable(t Table) error {
	var errs []string

	// NaN compares false against everything, so it must be rejected before
	// the ordering checks.
	switch {
	case !finite(t.Min) || !finite(t.Max):
		errs = append(errs, "min and max must be finite")
	case t.Max <= t.Min:
		errs = append(errs, fmt.Sprintf("max (%.1f) must be greater than min (%.1f)", t.Max, t.Min))
	}
	for name, w := range t.Weights {
		switch {
		case !finite(w):
			errs = append(errs, fmt.Sprintf("weight %s must be finite", name))
		case w < 0:
			errs = append(errs, fmt.Sprintf("weight %s must be >= 0", name))
		}
	}

	seen := make(map[string]bool, len(t.Tiers))
	for _, tier := range t.Tiers {
		if tier.Name == "" {
			errs = append(errs, "tier name must not be empty")
		}
		if seen[tier.Name] {
			errs = append(errs, fmt.Sprintf("duplicate tier %s", tier.Name))
		}
		seen[tier.Name] = true
		if !finite(tier.Min) || tier.Min < t.Min || tier.Min > t.Max {
			errs = append(errs, fmt.Sprintf("tier %s threshold %.1f outside [%.1f, %.1f]", tier.Name, tier.Min, t.Min, t.Max))
		}
	}
	if t.DefaultTier == "" {
		errs = append(errs, "default_tier must not be empty")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return eris.Errorf("scorer: table validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// WeightSum returns the sum of all weights.
func WeightSum(t Table) float64 {
	var sum float64
	for _, k := range sortedKeys(t.Weights) {
		sum += t.Weights[k]
	}
	return sum
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
