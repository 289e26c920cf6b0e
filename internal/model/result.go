package model

import (
	"slices"
	"time"
)

// Fields is the key→value mapping produced by a lookup adapter.
type Fields map[string]any

// Keys returns the field keys in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a shallow copy of f. A nil map stays nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// AdapterStatus is the terminal status of one adapter invocation chain.
type AdapterStatus string

const (
	AdapterStatusSuccess AdapterStatus = "success"
	AdapterStatusTimeout AdapterStatus = "timeout"
	AdapterStatusError   AdapterStatus = "error"
)

// AdapterResult is produced once per adapter invocation chain, retries
// included. It is never mutated after being recorded; a later attempt chain
// produces a new value that supersedes it.
type AdapterResult struct {
	Adapter  string        `json:"adapter"`
	Status   AdapterStatus `json:"status"`
	Fields   Fields        `json:"fields,omitempty"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	// LastErrorKind is the kind of the last failed attempt, even when a
	// later attempt succeeded.
	LastErrorKind ErrorKind     `json:"last_error_kind,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the result carries usable fields.
func (r AdapterResult) Succeeded() bool {
	return r.Status == AdapterStatusSuccess
}

// CanonicalField is a merged logical field and the adapter that supplied it.
type CanonicalField struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// EnrichmentRecord is a Lead plus the latest AdapterResult for each adapter,
// the per-adapter (namespaced) fields, the canonical merged view, and the
// sorted list of failed adapters.
type EnrichmentRecord struct {
	Lead      Lead                      `json:"lead"`
	Results   map[string]AdapterResult  `json:"results"`
	Fields    map[string]Fields         `json:"fields"`
	Canonical map[string]CanonicalField `json:"canonical"`
	Failed    []string                  `json:"failed"`
}

// Value returns the canonical value for key, if any adapter supplied it.
func (r EnrichmentRecord) Value(key string) (any, bool) {
	cf, ok := r.Canonical[key]
	if !ok {
		return nil, false
	}
	return cf.Value, true
}

// HasFailed reports whether the named adapter is in the failure list.
func (r EnrichmentRecord) HasFailed(adapter string) bool {
	_, found := slices.BinarySearch(r.Failed, adapter)
	return found
}

// ScoredLead is an EnrichmentRecord with its score and tier. It is
// deterministic given the record and the scoring table.
type ScoredLead struct {
	JobID         string             `json:"job_id"`
	Record        EnrichmentRecord   `json:"record"`
	Score         float64            `json:"score"`
	Tier          string             `json:"tier"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
}
