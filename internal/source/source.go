// Package source loads batches of leads. Every batch is a lazy sequence
// that can be consumed once; loading the same batch again needs a new call
// to LoadBatch.
package source

import (
	"context"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/fetcher"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/store"
	"github.com/sells-group/lead-enricher/pkg/notion"
)

// ErrSequenceConsumed is yielded when a batch is iterated a second time.
var ErrSequenceConsumed = eris.New("source: sequence already consumed")

// Seq is a finite batch of leads. An error ends the sequence.
type Seq = iter.Seq2[model.Lead, error]

// Source produces batches of leads for a job. A size of zero or less means
// no limit.
type Source interface {
	LoadBatch(ctx context.Context, jobID string, size int) (Seq, error)
}

// Deps are the clients some sources need. A nil Fetcher gets a default
// one when the path is remote or zipped.
type Deps struct {
	Notion  notion.Client
	Store   store.Store
	Fetcher *fetcher.Client
}

// New builds the source named by cfg.Kind: csv, xlsx, notion or dlq. The
// csv and xlsx paths may be http(s) or ftp URLs, and may name a zip archive
// holding a single lead file.
func New(cfg config.SourceConfig, notionCfg config.NotionConfig, deps Deps) (Source, error) {
	switch strings.ToLower(cfg.Kind) {
	case "csv":
		return fileSource(cfg.Path, deps.Fetcher, func(p string) Source {
			return &CSVSource{Path: p, Column: cfg.Column}
		}), nil
	case "xlsx":
		return fileSource(cfg.Path, deps.Fetcher, func(p string) Source {
			return &XLSXSource{Path: p, Sheet: cfg.Sheet, Column: cfg.Column}
		}), nil
	case "notion":
		if deps.Notion == nil || notionCfg.LeadDB == "" {
			return nil, eris.New("source: notion source needs notion.token and notion.lead_db")
		}
		return &NotionSource{Client: deps.Notion, DatabaseID: notionCfg.LeadDB}, nil
	case "dlq":
		if deps.Store == nil {
			return nil, eris.New("source: dlq source needs a store")
		}
		return &DLQSource{Store: deps.Store}, nil
	default:
		return nil, eris.Errorf("source: unknown kind %q", cfg.Kind)
	}
}

func fileSource(path string, f *fetcher.Client, open func(string) Source) Source {
	if !fetcher.IsRemote(path) && !fetcher.IsZIP(path) {
		return open(path)
	}
	if f == nil {
		f = fetcher.New(fetcher.Options{})
	}
	return &FetchedSource{Path: path, Fetcher: f, Open: open}
}

// once wraps seq so a second iteration yields ErrSequenceConsumed.
func once(seq Seq) Seq {
	var used atomic.Bool
	return func(yield func(model.Lead, error) bool) {
		if used.Swap(true) {
			yield(model.Lead{}, ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}

// limit stops seq after size leads.
func limit(seq Seq, size int) Seq {
	if size <= 0 {
		return seq
	}
	return func(yield func(model.Lead, error) bool) {
		n := 0
		for l, err := range seq {
			if err != nil {
				yield(model.Lead{}, err)
				return
			}
			if !yield(l, nil) {
				return
			}
			n++
			if n >= size {
				return
			}
		}
	}
}

// rowLead turns a mapped input row into a lead. Rows without a usable
// identifier are skipped with a warning and return ok=false.
func rowLead(src string, row int, identifier string, raw map[string]string) (model.Lead, bool) {
	l, err := model.NewLead(raw["id"], identifier, raw)
	if err != nil {
		zap.L().Warn("source: skipping row",
			zap.String("source", src),
			zap.Int("row", row),
			zap.Error(err),
		)
		return model.Lead{}, false
	}
	return l, true
}

// identifierColumn finds the column holding the lead identifier. An explicit
// name wins; otherwise the first email, then domain, website or url column.
func identifierColumn(header []string, want string) (int, error) {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = strings.ToLower(strings.TrimSpace(h))
	}
	if want != "" {
		w := strings.ToLower(strings.TrimSpace(want))
		for i, h := range norm {
			if h == w {
				return i, nil
			}
		}
	}
	for _, candidate := range []string{"email", "domain", "website", "url"} {
		for i, h := range norm {
			if h == candidate {
				return i, nil
			}
		}
	}
	return -1, eris.Errorf("source: no identifier column in header %v", header)
}

func mapRow(header, row []string) map[string]string {
	raw := make(map[string]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if key == "" {
			continue
		}
		if i < len(row) {
			raw[key] = strings.TrimSpace(row[i])
		} else {
			raw[key] = ""
		}
	}
	return raw
}

// SliceSource serves leads held in memory.
type SliceSource struct {
	Leads []model.Lead
}

// LoadBatch returns the first size leads.
func (s *SliceSource) LoadBatch(_ context.Context, _ string, size int) (Seq, error) {
	leads := s.Leads
	seq := func(yield func(model.Lead, error) bool) {
		for _, l := range leads {
			if !yield(l, nil) {
				return
			}
		}
	}
	return once(limit(seq, size)), nil
}

// FromIdentifiers builds a slice source from raw identifiers, skipping
// invalid ones.
func FromIdentifiers(identifiers []string) *SliceSource {
	s := &SliceSource{}
	for i, ident := range identifiers {
		if l, ok := rowLead("slice", i+1, ident, nil); ok {
			s.Leads = append(s.Leads, l)
		}
	}
	return s
}
