// Package notion reads and updates the Notion lead queue: a database of
// lead pages with a status property (Queued, Enriched, Failed).
package notion

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the subset of the Notion API the lead queue uses.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// StatusProperty is the property name this package reads and writes the
// queue status under. The client maps it onto the database's own
// property, see Queue.
const StatusProperty = "Status"

// Queue describes how a lead database models the queue status. Requests
// built with StatusProperty and the Status* names are rewritten to these
// names by the client, so one code path serves databases that call the
// column "Lead State" or use a select instead of a status property.
type Queue struct {
	Property string
	Queued   string
	Enriched string
	Failed   string
	// Select is set when the property is a select rather than a status.
	Select bool
}

// DefaultQueue is the stock lead database layout.
func DefaultQueue() Queue {
	return Queue{Property: StatusProperty, Queued: StatusQueued, Enriched: StatusEnriched, Failed: StatusFailed}
}

// withDefaults fills empty fields from DefaultQueue.
func (q Queue) withDefaults() Queue {
	d := DefaultQueue()
	if q.Property == "" {
		q.Property = d.Property
	}
	if q.Queued == "" {
		q.Queued = d.Queued
	}
	if q.Enriched == "" {
		q.Enriched = d.Enriched
	}
	if q.Failed == "" {
		q.Failed = d.Failed
	}
	return q
}

func (q Queue) option(status string) string {
	switch status {
	case StatusQueued:
		return q.Queued
	case StatusEnriched:
		return q.Enriched
	case StatusFailed:
		return q.Failed
	}
	return status
}

// property returns the database value for a canonical status.
func (q Queue) property(status string) notionapi.Property {
	if q.Select {
		return notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: q.option(status)}}
	}
	return notionapi.StatusProperty{Type: notionapi.PropertyTypeStatus, Status: notionapi.Status{Name: q.option(status)}}
}

// filter returns the database filter for a canonical status.
func (q Queue) filter(status string) notionapi.PropertyFilter {
	if q.Select {
		return notionapi.PropertyFilter{Property: q.Property, Select: &notionapi.SelectFilterCondition{Equals: q.option(status)}}
	}
	return notionapi.PropertyFilter{Property: q.Property, Status: &notionapi.StatusFilterCondition{Equals: q.option(status)}}
}

// rewriteProperties moves a canonical status value onto the queue property.
func (q Queue) rewriteProperties(props notionapi.Properties) notionapi.Properties {
	v, ok := props[StatusProperty]
	if !ok {
		return props
	}
	var status string
	switch p := v.(type) {
	case notionapi.StatusProperty:
		status = p.Status.Name
	case *notionapi.StatusProperty:
		status = p.Status.Name
	default:
		return props
	}
	out := maps.Clone(props)
	delete(out, StatusProperty)
	out[q.Property] = q.property(status)
	return out
}

// rewriteFilter maps a canonical status filter onto the queue property.
func (q Queue) rewriteFilter(f notionapi.Filter) notionapi.Filter {
	pf, ok := f.(notionapi.PropertyFilter)
	if !ok || pf.Property != StatusProperty || pf.Status == nil || pf.Status.Equals == "" {
		return f
	}
	return q.filter(pf.Status.Equals)
}

// ClientOption configures the Notion client.
type ClientOption func(*queueClient)

// WithRateLimit overrides the default Notion rate limit (3 req/s). Zero or
// less disables client-side throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(c *queueClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithQueue sets the database's status layout. Empty fields keep the
// defaults.
func WithQueue(q Queue) ClientOption {
	return func(c *queueClient) { c.queue = q.withDefaults() }
}

// WithHTTPClient sends API calls through hc.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *queueClient) { c.api = append(c.api, notionapi.WithHTTPClient(hc)) }
}

// WithRetries sets how often the API client retries a 429 answer.
func WithRetries(n int) ClientOption {
	return func(c *queueClient) { c.api = append(c.api, notionapi.WithRetry(n)) }
}

// queueClient implements Client on a *notionapi.Client. Queries without a
// filter select queued leads, oldest first.
type queueClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
	queue   Queue
	api     []notionapi.ClientOption
}

// NewClient creates a client for the given integration token. Calls are
// throttled to 3 req/s unless WithRateLimit says otherwise.
func NewClient(token string, opts ...ClientOption) Client {
	c := &queueClient{
		limiter: rate.NewLimiter(3, 1),
		queue:   DefaultQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inner = notionapi.NewClient(notionapi.Token(token), c.api...)
	return c
}

func (c *queueClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notion: rate limit")
	}
	return nil
}

func (c *queueClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	q := QueuedQuery()
	if req != nil {
		q.StartCursor = req.StartCursor
		q.PageSize = req.PageSize
		if req.Filter != nil {
			q.Filter, q.Sorts = req.Filter, req.Sorts
		}
	}
	q.Filter = c.queue.rewriteFilter(q.Filter)

	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), q)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: query database %s", dbID))
	}
	return resp, nil
}

func (c *queueClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	r := *req
	r.Properties = c.queue.rewriteProperties(req.Properties)

	page, err := c.inner.Page.Create(ctx, &r)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

func (c *queueClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	r := *req
	r.Properties = c.queue.rewriteProperties(req.Properties)

	page, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), &r)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: update page %s", pageID))
	}
	return page, nil
}
