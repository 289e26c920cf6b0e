package source

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/pkg/notion"
)

// NotionSource reads queued leads from the Notion lead database. Result
// pages are fetched lazily as the sequence is consumed.
type NotionSource struct {
	Client     notion.Client
	DatabaseID string
}

// LoadBatch returns the queued leads, oldest first.
func (s *NotionSource) LoadBatch(ctx context.Context, _ string, size int) (Seq, error) {
	pages := notion.Pages(ctx, s.Client, s.DatabaseID, notion.QueuedQuery())
	seq := func(yield func(model.Lead, error) bool) {
		n := 0
		for page, err := range pages {
			n++
			if err != nil {
				yield(model.Lead{}, err)
				return
			}
			props := notion.LeadProperties(page)
			raw := make(map[string]string, len(props)+1)
			for k, v := range props {
				raw[strings.ToLower(k)] = v
			}
			raw[notion.PageIDKey] = string(page.ID)

			ident := notion.LeadIdentifier(props)
			if ident == "" {
				zap.L().Warn("source: notion page has no email or domain", zap.String("page", string(page.ID)))
				continue
			}
			l, ok := rowLead("notion", n, ident, raw)
			if !ok {
				continue
			}
			if !yield(l, nil) {
				return
			}
		}
	}
	return once(limit(seq, size)), nil
}
