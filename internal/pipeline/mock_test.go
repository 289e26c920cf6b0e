package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/store"
)

// mockSink is a testify mock for store.Sink.
type mockSink struct {
	mock.Mock
}

func (m *mockSink) Save(ctx context.Context, lead model.ScoredLead) error {
	args := m.Called(ctx, lead)
	return args.Error(0)
}

// memorySink keeps saved leads by id.
type memorySink struct {
	mu    sync.Mutex
	leads map[string]model.ScoredLead
}

func newMemorySink() *memorySink {
	return &memorySink{leads: make(map[string]model.ScoredLead)}
}

func (s *memorySink) Save(_ context.Context, lead model.ScoredLead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.Record.Lead.ID] = lead
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads)
}

func (s *memorySink) Get(id string) (model.ScoredLead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	return l, ok
}

var _ store.Sink = (*memorySink)(nil)
