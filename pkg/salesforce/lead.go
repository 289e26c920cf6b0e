package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// maxBatchSize is the Salesforce Collections API limit per request.
const maxBatchSize = 200

// Lead represents the Salesforce Lead fields the sink reads back.
type Lead struct {
	ID      string `json:"Id" salesforce:"Id"`
	Email   string `json:"Email" salesforce:"Email"`
	Website string `json:"Website" salesforce:"Website"`
	Company string `json:"Company" salesforce:"Company"`
	Rating  string `json:"Rating" salesforce:"Rating"`
}

var leadFields = []string{"Id", "Email", "Website", "Company", "Rating"}

// FindLead looks up an existing lead of sObject by email, or by website when
// email is empty. Returns nil if none matches.
func FindLead(ctx context.Context, c Client, sObject, email, website string) (*Lead, error) {
	var where string
	switch {
	case email != "":
		where = fmt.Sprintf("Email = '%s'", escapeSoql(email))
	case website != "":
		where = fmt.Sprintf("Website LIKE '%%%s%%'", escapeSoql(website))
	default:
		return nil, eris.New("sf: email or website is required")
	}

	soql := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", strings.Join(leadFields, ", "), sObject, where)
	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead %s%s", email, website))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// UpsertLead updates the lead matching email/website or creates one. It
// returns the Salesforce ID and whether a new record was created.
func UpsertLead(ctx context.Context, c Client, sObject, email, website string, fields map[string]any) (string, bool, error) {
	if len(fields) == 0 {
		return "", false, eris.New("sf: no fields to write")
	}
	existing, err := FindLead(ctx, c, sObject, email, website)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if err := c.UpdateOne(ctx, sObject, existing.ID, fields); err != nil {
			return "", false, eris.Wrap(err, fmt.Sprintf("sf: update lead %s", existing.ID))
		}
		return existing.ID, false, nil
	}

	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", false, eris.New("sf: lead LastName is required")
	}
	if fields["Company"] == nil || fields["Company"] == "" {
		return "", false, eris.New("sf: lead Company is required")
	}
	id, err := c.InsertOne(ctx, sObject, fields)
	if err != nil {
		return "", false, eris.Wrap(err, "sf: create lead")
	}
	return id, true, nil
}

// BulkCreateLeads splits records into batches of 200 (SF Collections API limit)
// and inserts them via InsertCollection.
func BulkCreateLeads(ctx context.Context, c Client, sObject string, records []map[string]any) ([]CollectionResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var allResults []CollectionResult
	for start := 0; start < len(records); start += maxBatchSize {
		end := min(start+maxBatchSize, len(records))
		results, err := c.InsertCollection(ctx, sObject, records[start:end])
		if err != nil {
			return allResults, eris.Wrap(err, fmt.Sprintf("sf: bulk create leads batch %d-%d", start, end))
		}
		allResults = append(allResults, results...)
	}
	return allResults, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
