package notion

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Lead queue statuses.
const (
	StatusQueued   = "Queued"
	StatusEnriched = "Enriched"
	StatusFailed   = "Failed"
)

// PageIDKey is the raw lead field holding the page a lead was read from.
const PageIDKey = "notion_page_id"

// Pages iterates over every page of a database query, fetching the next
// page of results only when the caller asks for more.
func Pages(ctx context.Context, c Client, dbID string, query *notionapi.DatabaseQueryRequest) iter.Seq2[notionapi.Page, error] {
	return func(yield func(notionapi.Page, error) bool) {
		var cursor notionapi.Cursor
		for {
			req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
			if query != nil {
				req.Filter = query.Filter
				req.Sorts = query.Sorts
				req.PageSize = query.PageSize
			}

			resp, err := c.QueryDatabase(ctx, dbID, req)
			if err != nil {
				yield(notionapi.Page{}, eris.Wrap(err, "notion: query page"))
				return
			}
			for _, p := range resp.Results {
				if !yield(p, nil) {
					return
				}
			}
			if !resp.HasMore {
				return
			}
			cursor = resp.NextCursor
		}
	}
}

// QueryAll fetches all pages of a database query.
func QueryAll(ctx context.Context, c Client, dbID string, query *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	for p, err := range Pages(ctx, c, dbID, query) {
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}
	return all, nil
}

// QueuedQuery selects pages with Status = Queued, oldest first.
func QueuedQuery() *notionapi.DatabaseQueryRequest {
	return &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: StatusProperty,
			Status: &notionapi.StatusFilterCondition{
				Equals: StatusQueued,
			},
		},
		Sorts: []notionapi.SortObject{
			{Timestamp: notionapi.TimestampCreated, Direction: notionapi.SortOrderASC},
		},
	}
}

// QueryQueuedLeads fetches all queued lead pages from the given database.
func QueryQueuedLeads(ctx context.Context, c Client, dbID string) ([]notionapi.Page, error) {
	pages, err := QueryAll(ctx, c, dbID, QueuedQuery())
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued leads")
	}
	return pages, nil
}

// LeadProperties flattens the lead page properties into strings. Keys are
// the property names; "Email", "Domain", "URL" and "Name" are the ones a
// lead needs.
func LeadProperties(page notionapi.Page) map[string]string {
	out := make(map[string]string, len(page.Properties))
	for name, prop := range page.Properties {
		var v string
		switch p := prop.(type) {
		case *notionapi.TitleProperty:
			v = plainText(p.Title)
		case *notionapi.RichTextProperty:
			v = plainText(p.RichText)
		case *notionapi.EmailProperty:
			v = p.Email
		case *notionapi.URLProperty:
			v = p.URL
		case *notionapi.SelectProperty:
			v = p.Select.Name
		case *notionapi.StatusProperty:
			v = p.Status.Name
		default:
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			out[name] = v
		}
	}
	return out
}

// LeadIdentifier returns the email of a lead page, or its domain or URL
// when no email is set.
func LeadIdentifier(props map[string]string) string {
	for _, key := range []string{"Email", "Domain", "URL"} {
		if v := props[key]; v != "" {
			return v
		}
	}
	return ""
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		b.WriteString(t.PlainText)
	}
	return b.String()
}

// MarkEnriched sets a lead page to Enriched with its score and tier.
func MarkEnriched(ctx context.Context, c Client, pageID string, score float64, tier string) error {
	now := notionapi.Date(time.Now())
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			StatusProperty: notionapi.StatusProperty{
				Status: notionapi.Status{Name: StatusEnriched},
			},
			"Score": notionapi.NumberProperty{
				Number: score,
			},
			"Tier": notionapi.SelectProperty{
				Select: notionapi.Option{Name: tier},
			},
			"Last Enriched": notionapi.DateProperty{
				Date: &notionapi.DateObject{Start: &now},
			},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: mark page %s enriched", pageID))
	}
	return nil
}

// MarkFailed sets a lead page to Failed and records the reason.
func MarkFailed(ctx context.Context, c Client, pageID, reason string) error {
	if len(reason) > 200 {
		reason = reason[:200]
	}
	now := notionapi.Date(time.Now())
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			StatusProperty: notionapi.StatusProperty{
				Status: notionapi.Status{Name: StatusFailed},
			},
			"Error": richText(reason),
			"Last Enriched": notionapi.DateProperty{
				Date: &notionapi.DateObject{Start: &now},
			},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: mark page %s failed", pageID))
	}
	return nil
}

// ImportLeads creates a Queued page for each identifier not seen before in
// this call. It returns the number of pages created.
func ImportLeads(ctx context.Context, c Client, dbID string, identifiers []string) (int, error) {
	seen := make(map[string]struct{}, len(identifiers))
	created := 0
	for _, ident := range identifiers {
		ident = strings.TrimSpace(ident)
		key := strings.ToLower(ident)
		if ident == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if ctx.Err() != nil {
			return created, eris.Wrap(ctx.Err(), "notion: import leads cancelled")
		}

		props := notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Type:  notionapi.PropertyTypeTitle,
				Title: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: ident}}},
			},
			StatusProperty: notionapi.StatusProperty{
				Status: notionapi.Status{Name: StatusQueued},
			},
		}
		if strings.Contains(ident, "@") {
			props["Email"] = notionapi.EmailProperty{Type: notionapi.PropertyTypeEmail, Email: ident}
		} else {
			props["Domain"] = richText(ident)
		}

		_, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(dbID),
			},
			Properties: props,
		})
		if err != nil {
			return created, eris.Wrap(err, fmt.Sprintf("notion: create lead page %s", ident))
		}
		created++
	}
	return created, nil
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}
