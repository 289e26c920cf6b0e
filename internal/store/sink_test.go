package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/pkg/notion"
	"github.com/sells-group/lead-enricher/pkg/salesforce"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Save(ctx context.Context, lead model.ScoredLead) error {
	return m.Called(ctx, lead).Error(0)
}

type mockSFClient struct {
	mock.Mock
}

func (m *mockSFClient) Query(ctx context.Context, soql string, out any) error {
	args := m.Called(ctx, soql, out)
	if leads, ok := args.Get(1).([]salesforce.Lead); ok {
		reflect.ValueOf(out).Elem().Set(reflect.ValueOf(leads))
	}
	return args.Error(0)
}

func (m *mockSFClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	args := m.Called(ctx, sObjectName, record)
	return args.String(0), args.Error(1)
}

func (m *mockSFClient) InsertCollection(ctx context.Context, sObjectName string, records []map[string]any) ([]salesforce.CollectionResult, error) {
	args := m.Called(ctx, sObjectName, records)
	return args.Get(0).([]salesforce.CollectionResult), args.Error(1)
}

func (m *mockSFClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	return m.Called(ctx, sObjectName, id, fields).Error(0)
}

func TestMultiSink_SavesToAll(t *testing.T) {
	a, b := &mockSink{}, &mockSink{}
	lead := testScoredLead()
	a.On("Save", mock.Anything, lead).Return(nil)
	b.On("Save", mock.Anything, lead).Return(nil)

	require.NoError(t, MultiSink{a, b}.Save(context.Background(), lead))
	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestMultiSink_StopsAtFirstError(t *testing.T) {
	a, b := &mockSink{}, &mockSink{}
	a.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))

	err := MultiSink{a, b}.Save(context.Background(), testScoredLead())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink 0")
	b.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestLeadFields(t *testing.T) {
	lead := testScoredLead()
	lead.Tier = "Hot"
	lead.Record.Canonical["organization"] = model.CanonicalField{Value: "Acme Inc", Source: "whois"}
	lead.Record.Canonical["industry"] = model.CanonicalField{Value: "Software", Source: "industry"}

	f := LeadFields(lead)
	assert.Equal(t, "jane", f["LastName"])
	assert.Equal(t, "Acme Inc", f["Company"])
	assert.Equal(t, "acme.com", f["Website"])
	assert.Equal(t, "jane@acme.com", f["Email"])
	assert.Equal(t, "Hot", f["Rating"])
	assert.Equal(t, "Software", f["Industry"])
}

func TestLeadFields_DomainLead(t *testing.T) {
	lead := model.ScoredLead{
		Record: model.EnrichmentRecord{
			Lead: model.Lead{ID: "d", Identifier: "acme.com", Kind: model.LeadKindDomain},
			Canonical: map[string]model.CanonicalField{
				"organization": {Value: "Unknown", Source: "whois"},
			},
		},
		Tier: "Cold",
	}

	f := LeadFields(lead)
	assert.Equal(t, "Unknown", f["LastName"])
	assert.Equal(t, "acme.com", f["Company"])
	assert.NotContains(t, f, "Email")
}

func TestSalesforceSink_CreatesLead(t *testing.T) {
	sf := &mockSFClient{}
	sf.On("Query", mock.Anything, mock.MatchedBy(func(q string) bool {
		return q == "SELECT Id, Email, Website, Company, Rating FROM Lead WHERE Email = 'jane@acme.com' LIMIT 1"
	}), mock.Anything).Return(nil, []salesforce.Lead{})
	sf.On("InsertOne", mock.Anything, "Lead", mock.Anything).Return("00QNEW", nil)

	sink := NewSalesforceSink(sf, "")
	require.NoError(t, sink.Save(context.Background(), testScoredLead()))
	sf.AssertExpectations(t)
}

func TestSalesforceSink_UpdatesExisting(t *testing.T) {
	sf := &mockSFClient{}
	sf.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, []salesforce.Lead{{ID: "00Q1"}})
	sf.On("UpdateOne", mock.Anything, "Lead", "00Q1", mock.Anything).Return(nil)

	sink := NewSalesforceSink(sf, "Lead")
	require.NoError(t, sink.Save(context.Background(), testScoredLead()))
	sf.AssertExpectations(t)
	sf.AssertNotCalled(t, "InsertOne", mock.Anything, mock.Anything, mock.Anything)
}

func TestSalesforceSink_Error(t *testing.T) {
	sf := &mockSFClient{}
	sf.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("session expired"), nil)

	err := NewSalesforceSink(sf, "Lead").Save(context.Background(), testScoredLead())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce sink: save lead l1")
}

type mockNotionClient struct {
	mock.Mock
}

func (m *mockNotionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	return nil, args.Error(1)
}

func (m *mockNotionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	return nil, args.Error(1)
}

func (m *mockNotionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	return nil, args.Error(1)
}

func TestNotionSink_MarksPage(t *testing.T) {
	nc := &mockNotionClient{}
	nc.On("UpdatePage", mock.Anything, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		score, ok := req.Properties["Score"].(notionapi.NumberProperty)
		return ok && score.Number == 35
	})).Return(nil, nil)

	lead := testScoredLead()
	lead.Record.Lead.Raw = map[string]string{notion.PageIDKey: "page-1"}

	require.NoError(t, NewNotionSink(nc).Save(context.Background(), lead))
	nc.AssertExpectations(t)
}

func TestNotionSink_SkipsOtherLeads(t *testing.T) {
	nc := &mockNotionClient{}
	require.NoError(t, NewNotionSink(nc).Save(context.Background(), testScoredLead()))
	nc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotionSink_Error(t *testing.T) {
	nc := &mockNotionClient{}
	nc.On("UpdatePage", mock.Anything, "page-1", mock.Anything).Return(nil, errors.New("rate limited"))

	lead := testScoredLead()
	lead.Record.Lead.Raw = map[string]string{notion.PageIDKey: "page-1"}

	err := NewNotionSink(nc).Save(context.Background(), lead)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion sink: save lead l1")
}
