package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fractal-lba/mmlu-prep/internal/csvio"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

// BenchmarkLoader reads prepared MMLU files back from a data directory.
type BenchmarkLoader struct {
	dataDir string
}

// NewBenchmarkLoader creates a new benchmark loader.
func NewBenchmarkLoader(dataDir string) *BenchmarkLoader {
	return &BenchmarkLoader{dataDir: dataDir}
}

// SubjectFiles lists the subjects that have a file for split, sorted.
// A missing split directory yields no subjects and no error.
func (bl *BenchmarkLoader) SubjectFiles(split mmlu.Split) ([]string, error) {
	dir := filepath.Join(bl.dataDir, split.Dir())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	suffix := split.Suffix()
	subjects := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		subjects = append(subjects, strings.TrimSuffix(e.Name(), suffix))
	}
	sort.Strings(subjects)
	return subjects, nil
}

// LoadSubject loads one prepared (subject, split) file as questions.
func (bl *BenchmarkLoader) LoadSubject(split mmlu.Split, subject string) ([]mmlu.Question, error) {
	path := filepath.Join(bl.dataDir, split.Dir(), split.FileName(subject))
	rows, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}

	questions := make([]mmlu.Question, 0, len(rows))
	for i, row := range rows {
		answer, err := strconv.Atoi(row[mmlu.RowWidth-1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad answer index %q: %w", path, i+1, row[mmlu.RowWidth-1], err)
		}
		q := mmlu.Question{
			Question: row[0],
			Choices:  append([]string(nil), row[1:mmlu.RowWidth-1]...),
			Answer:   answer,
			Subject:  subject,
		}
		if err := mmlu.Validate(q); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// LoadSplit loads every subject file of a split, keyed by subject.
func (bl *BenchmarkLoader) LoadSplit(split mmlu.Split) (map[string][]mmlu.Question, error) {
	subjects, err := bl.SubjectFiles(split)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]mmlu.Question, len(subjects))
	for _, subject := range subjects {
		qs, err := bl.LoadSubject(split, subject)
		if err != nil {
			return nil, err
		}
		out[subject] = qs
	}
	return out, nil
}
