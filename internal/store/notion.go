package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/pkg/notion"
)

// NotionSink marks the Notion page a lead was queued from as Enriched. Leads
// that did not come from Notion are skipped.
type NotionSink struct {
	client notion.Client
}

// NewNotionSink creates a sink updating pages through client.
func NewNotionSink(client notion.Client) *NotionSink {
	return &NotionSink{client: client}
}

func (s *NotionSink) Save(ctx context.Context, lead model.ScoredLead) error {
	pageID := lead.Record.Lead.Raw[notion.PageIDKey]
	if pageID == "" {
		return nil
	}
	if err := notion.MarkEnriched(ctx, s.client, pageID, lead.Score, lead.Tier); err != nil {
		return eris.Wrapf(err, "notion sink: save lead %s", lead.Record.Lead.ID)
	}
	return nil
}
