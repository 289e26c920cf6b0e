package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/pkg/salesforce"
)

// SalesforceSink writes scored leads to a Salesforce Lead sObject, updating
// a lead with the same email or website when one exists.
type SalesforceSink struct {
	client  salesforce.Client
	sObject string
}

// NewSalesforceSink creates a sink writing to sObject (usually "Lead").
func NewSalesforceSink(client salesforce.Client, sObject string) *SalesforceSink {
	if sObject == "" {
		sObject = "Lead"
	}
	return &SalesforceSink{client: client, sObject: sObject}
}

func (s *SalesforceSink) Save(ctx context.Context, lead model.ScoredLead) error {
	l := lead.Record.Lead
	email := ""
	if l.Kind == model.LeadKindEmail {
		email = l.Identifier
	}

	id, created, err := salesforce.UpsertLead(ctx, s.client, s.sObject, email, l.Domain(), LeadFields(lead))
	if err != nil {
		return eris.Wrapf(err, "salesforce sink: save lead %s", l.ID)
	}
	zap.L().Debug("salesforce sink: lead written",
		zap.String("lead", l.ID),
		zap.String("sf_id", id),
		zap.Bool("created", created),
	)
	return nil
}

// LeadFields maps a scored lead onto standard Lead sObject fields. Rating
// carries the tier, which lines up with the Hot/Warm/Cold picklist.
func LeadFields(lead model.ScoredLead) map[string]any {
	l := lead.Record.Lead
	company := l.Domain()
	if org, ok := lead.Record.Value("organization"); ok {
		if s, ok := org.(string); ok && s != "" && !strings.EqualFold(s, "unknown") {
			company = s
		}
	}
	lastName := l.LocalPart()
	if lastName == "" {
		lastName = "Unknown"
	}

	fields := map[string]any{
		"LastName":    lastName,
		"Company":     company,
		"Website":     l.Domain(),
		"Rating":      lead.Tier,
		"LeadSource":  "lead-enricher",
		"Description": fmt.Sprintf("score %.1f (job %s)", lead.Score, lead.JobID),
	}
	if l.Kind == model.LeadKindEmail {
		fields["Email"] = l.Identifier
	}
	if ind, ok := lead.Record.Value("industry"); ok {
		if s, ok := ind.(string); ok && s != "" {
			fields["Industry"] = s
		}
	}
	return fields
}
