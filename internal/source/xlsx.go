package source

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-enricher/internal/model"
)

// XLSXSource reads leads from a spreadsheet. The first row of the sheet is
// the header; column selection works as for CSVSource. An empty Sheet reads
// the first sheet.
type XLSXSource struct {
	Path   string
	Sheet  string
	Column string
}

// LoadBatch opens the workbook and checks the sheet before returning the
// sequence, so a wrong path or sheet name fails early.
func (s *XLSXSource) LoadBatch(ctx context.Context, _ string, size int) (Seq, error) {
	f, err := xlsx.OpenFile(s.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open xlsx %s", s.Path)
	}
	sheet, err := s.sheet(f)
	if err != nil {
		return nil, err
	}

	seq := func(yield func(model.Lead, error) bool) {
		if len(sheet.Rows) == 0 {
			return
		}
		header := cellStrings(sheet.Rows[0])
		col, err := identifierColumn(header, s.Column)
		if err != nil {
			yield(model.Lead{}, err)
			return
		}

		for i, r := range sheet.Rows[1:] {
			if err := ctx.Err(); err != nil {
				yield(model.Lead{}, eris.Wrap(err, "source: xlsx cancelled"))
				return
			}
			cells := cellStrings(r)
			if col >= len(cells) {
				continue
			}
			l, ok := rowLead("xlsx", i+2, cells[col], mapRow(header, cells))
			if !ok {
				continue
			}
			if !yield(l, nil) {
				return
			}
		}
	}
	return once(limit(seq, size)), nil
}

func (s *XLSXSource) sheet(f *xlsx.File) (*xlsx.Sheet, error) {
	if s.Sheet != "" {
		sheet, ok := f.Sheet[s.Sheet]
		if !ok {
			return nil, eris.Errorf("source: sheet %q not found in %s", s.Sheet, s.Path)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("source: %s has no sheets", s.Path)
	}
	return f.Sheets[0], nil
}

func cellStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
