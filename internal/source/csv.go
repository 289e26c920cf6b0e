package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
)

// CSVSource reads leads from a CSV file with a header row. Column names the
// identifier column; when empty the first email, domain, website or url
// column is used. Every column is kept in the lead's raw fields under its
// lower-cased header, and an "id" column becomes the lead id.
type CSVSource struct {
	Path   string
	Column string
}

// LoadBatch opens the file when the sequence is first iterated.
func (s *CSVSource) LoadBatch(ctx context.Context, _ string, size int) (Seq, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return nil, eris.Wrapf(err, "source: csv %s", s.Path)
	}
	seq := func(yield func(model.Lead, error) bool) {
		f, err := os.Open(s.Path)
		if err != nil {
			yield(model.Lead{}, eris.Wrapf(err, "source: open csv %s", s.Path))
			return
		}
		defer f.Close() //nolint:errcheck

		readCSV(ctx, f, s.Column, yield)
	}
	return once(limit(seq, size)), nil
}

func readCSV(ctx context.Context, r io.Reader, column string, yield func(model.Lead, error) bool) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return
	}
	if err != nil {
		yield(model.Lead{}, eris.Wrap(err, "source: read csv header"))
		return
	}
	col, err := identifierColumn(header, column)
	if err != nil {
		yield(model.Lead{}, err)
		return
	}

	for row := 2; ; row++ {
		if err := ctx.Err(); err != nil {
			yield(model.Lead{}, eris.Wrap(err, "source: csv cancelled"))
			return
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(model.Lead{}, eris.Wrapf(err, "source: read csv row %d", row))
			return
		}
		if col >= len(record) {
			continue
		}
		l, ok := rowLead("csv", row, record[col], mapRow(header, record))
		if !ok {
			continue
		}
		if !yield(l, nil) {
			return
		}
	}
}
