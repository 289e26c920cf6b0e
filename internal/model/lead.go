package model

import (
	"maps"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// LeadKind describes what a lead identifier is.
type LeadKind string

const (
	LeadKindEmail  LeadKind = "email"
	LeadKindDomain LeadKind = "domain"
)

// Lead is the unit of work: a domain or email to enrich. A Lead is treated
// as immutable once enqueued; use NewLead to build one.
type Lead struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Kind       LeadKind          `json:"kind"`
	Raw        map[string]string `json:"raw,omitempty"`
}

// NewLead normalizes the identifier (NFKC, trimmed, lower-cased) and copies
// the raw input fields. An empty id defaults to the normalized identifier.
func NewLead(id, identifier string, raw map[string]string) (Lead, error) {
	ident := strings.ToLower(strings.TrimSpace(norm.NFKC.String(identifier)))
	ident = strings.TrimPrefix(ident, "mailto:")
	if ident == "" {
		return Lead{}, eris.New("model: lead identifier is empty")
	}

	kind := LeadKindDomain
	if strings.Contains(ident, "@") {
		kind = LeadKindEmail
		if strings.Count(ident, "@") != 1 || strings.HasPrefix(ident, "@") || strings.HasSuffix(ident, "@") {
			return Lead{}, eris.Errorf("model: malformed email identifier %q", identifier)
		}
	} else {
		ident = strings.TrimSuffix(stripScheme(ident), "/")
		ident = strings.TrimPrefix(ident, "www.")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		id = ident
	}

	var rawCopy map[string]string
	if len(raw) > 0 {
		rawCopy = maps.Clone(raw)
	}

	return Lead{ID: id, Identifier: ident, Kind: kind, Raw: rawCopy}, nil
}

// Domain returns the lead's domain: the part after '@' for emails, the
// identifier itself for domains.
func (l Lead) Domain() string {
	if l.Kind == LeadKindEmail {
		if i := strings.LastIndexByte(l.Identifier, '@'); i >= 0 {
			return l.Identifier[i+1:]
		}
	}
	return l.Identifier
}

// LocalPart returns the mailbox name of an email lead, or "" for domains.
func (l Lead) LocalPart() string {
	if l.Kind != LeadKindEmail {
		return ""
	}
	if i := strings.LastIndexByte(l.Identifier, '@'); i >= 0 {
		return l.Identifier[:i]
	}
	return ""
}

func stripScheme(s string) string {
	for _, p := range []string{"https://", "http://"} {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
		}
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}
