package mmlu

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRecord is returned when a question does not satisfy the record invariants.
var ErrInvalidRecord = errors.New("invalid question record")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that q has exactly four choices, an answer index in [0,3] and a subject to
// file it under. Question and choice text may be empty.
func Validate(q Question) error {
	if err := recordValidator().Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s fails %q (value %v)", ErrInvalidRecord, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Reshape flattens a single question into its six-field row.
func Reshape(q Question) (Row, error) {
	if err := Validate(q); err != nil {
		return Row{}, err
	}
	var row Row
	row[0] = q.Question
	for i := 0; i < NumChoices; i++ {
		row[i+1] = q.Choices[i]
	}
	row[RowWidth-1] = strconv.Itoa(q.Answer)
	return row, nil
}

// ReshapeAll reshapes records one at a time, preserving order.
func ReshapeAll(qs []Question) ([]Row, error) {
	rows := make([]Row, 0, len(qs))
	for i, q := range qs {
		row, err := Reshape(q)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Partition groups records by subject. Each group keeps the records' original relative order.
func Partition(qs []Question) map[string][]Question {
	parts := make(map[string][]Question)
	for _, q := range qs {
		parts[q.Subject] = append(parts[q.Subject], q)
	}
	return parts
}

// Subjects returns the distinct subjects observed across every split of d, sorted.
func (d Dataset) Subjects() []string {
	seen := make(map[string]struct{})
	for _, qs := range d {
		for _, q := range qs {
			seen[q.Subject] = struct{}{}
		}
	}
	subjects := make([]string, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// SubjectRows is the row collection for one (subject, split) pair.
type SubjectRows struct {
	Subject string
	Split   Split
	Rows    []Row
}

// Prepare partitions every present split of d by subject and reshapes each partition.
// Every subject seen anywhere in d gets an entry for every present split, so a subject with no
// records in a split yields an empty row collection.
func Prepare(d Dataset) ([]SubjectRows, error) {
	subjects := d.Subjects()
	var out []SubjectRows
	for _, split := range Splits {
		records, ok := d[split]
		if !ok {
			continue
		}
		parts := Partition(records)
		for _, subject := range subjects {
			rows, err := ReshapeAll(parts[subject])
			if err != nil {
				return nil, fmt.Errorf("failed to reshape %s/%s: %w", split, subject, err)
			}
			out = append(out, SubjectRows{Subject: subject, Split: split, Rows: rows})
		}
	}
	return out, nil
}
