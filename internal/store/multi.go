package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
)

// MultiSink saves to every sink in order. The first error stops the fan-out
// and fails the save; sinks upsert, so a retried save is safe.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, lead model.ScoredLead) error {
	for i, s := range m {
		if err := s.Save(ctx, lead); err != nil {
			return eris.Wrapf(err, "store: sink %d", i)
		}
	}
	return nil
}
