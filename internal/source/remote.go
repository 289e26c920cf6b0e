package source

import (
	"context"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/fetcher"
	"github.com/sells-group/lead-enricher/internal/model"
)

// FetchedSource reads a lead file that first has to be downloaded or
// unzipped. Open builds the file source for the local copy. The working
// directory is removed once the batch has been iterated, or right away when
// loading fails.
type FetchedSource struct {
	Path    string
	Fetcher *fetcher.Client
	Open    func(localPath string) Source
}

// LoadBatch fetches the file, then delegates to the file source.
func (s *FetchedSource) LoadBatch(ctx context.Context, jobID string, size int) (Seq, error) {
	dir, err := os.MkdirTemp("", "lead-enricher-*")
	if err != nil {
		return nil, eris.Wrap(err, "source: create download directory")
	}
	var cleanOnce sync.Once
	cleanup := func() {
		cleanOnce.Do(func() {
			if err := os.RemoveAll(dir); err != nil {
				zap.L().Warn("source: remove download directory", zap.String("dir", dir), zap.Error(err))
			}
		})
	}

	local, err := s.Fetcher.Fetch(ctx, s.Path, dir)
	if err != nil {
		cleanup()
		return nil, eris.Wrap(err, "source: fetch lead file")
	}

	seq, err := s.Open(local).LoadBatch(ctx, jobID, size)
	if err != nil {
		cleanup()
		return nil, err
	}
	return func(yield func(model.Lead, error) bool) {
		defer cleanup()
		seq(yield)
	}, nil
}
