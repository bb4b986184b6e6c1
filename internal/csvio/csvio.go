package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

// ErrRowWidth is returned by ReadRows when a record does not have exactly six fields.
var ErrRowWidth = errors.New("unexpected number of fields")

// WriteRows writes rows to path as headerless CSV, replacing any existing file.
// Fields containing commas, quotes or line breaks are quoted. The file is synced and closed
// before WriteRows returns; on error the file may be partially written.
func WriteRows(path string, rows []mmlu.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := Encode(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Encode writes rows to w in the on-disk format.
func Encode(w io.Writer, rows []mmlu.Row) error {
	cw := csv.NewWriter(w)
	for _, row := range rows {
		if err := cw.Write(row[:]); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRows reads a file written by WriteRows.
func ReadRows(path string) ([]mmlu.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// Decode parses headerless six-field CSV rows from r.
func Decode(r io.Reader) ([]mmlu.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var rows []mmlu.Row
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != mmlu.RowWidth {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d has %d fields, want %d", ErrRowWidth, line, len(record), mmlu.RowWidth)
		}
		var row mmlu.Row
		copy(row[:], record)
		rows = append(rows, row)
	}
	return rows, nil
}

// Shape is the row count and column width of a CSV file.
type Shape struct {
	Rows    int
	Columns int
	// Ragged is set when rows disagree on their number of fields; Columns is then the widest row.
	Ragged bool
}

// Inspect reports the shape of an arbitrary CSV file without enforcing a width.
func Inspect(path string) (Shape, error) {
	f, err := os.Open(path)
	if err != nil {
		return Shape{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	var s Shape
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Shape{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if s.Rows > 0 && len(record) != s.Columns {
			s.Ragged = true
		}
		if len(record) > s.Columns {
			s.Columns = len(record)
		}
		s.Rows++
	}
	return s, nil
}
