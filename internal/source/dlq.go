package source

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/store"
)

// DLQStore is the part of the store the DLQ source needs.
type DLQStore interface {
	ListDLQ(ctx context.Context, filter store.DLQFilter) ([]model.DLQEntry, error)
	RemoveDLQ(ctx context.Context, ids []string) error
}

// DLQSource resubmits dead-lettered leads. Entries are removed from the
// queue once the sequence has handed their lead out; a lead that fails
// again is dead-lettered again by its new job.
type DLQSource struct {
	Store DLQStore
	JobID string
	Kind  model.ErrorKind
}

// LoadBatch lists the entries up front and yields each lead once, oldest
// entry first.
func (s *DLQSource) LoadBatch(ctx context.Context, _ string, size int) (Seq, error) {
	entries, err := s.Store.ListDLQ(ctx, store.DLQFilter{JobID: s.JobID, Kind: s.Kind, Limit: 100000})
	if err != nil {
		return nil, eris.Wrap(err, "source: list dlq")
	}

	seq := func(yield func(model.Lead, error) bool) {
		ids := make(map[string][]string)
		var order []model.Lead
		for _, e := range entries {
			if _, seen := ids[e.Lead.ID]; !seen {
				order = append(order, e.Lead)
			}
			ids[e.Lead.ID] = append(ids[e.Lead.ID], e.ID)
		}

		var handed []string
		defer func() {
			if len(handed) == 0 {
				return
			}
			if err := s.Store.RemoveDLQ(context.WithoutCancel(ctx), handed); err != nil {
				zap.L().Error("source: remove resubmitted dlq entries", zap.Int("entries", len(handed)), zap.Error(err))
			}
		}()

		for i, l := range order {
			if size > 0 && i >= size {
				return
			}
			handed = append(handed, ids[l.ID]...)
			if !yield(l, nil) {
				return
			}
		}
	}
	return once(seq), nil
}
