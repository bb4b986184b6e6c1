package report

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/fractal-lba/mmlu-prep/internal/eval"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

const summarySheet = "summary"

// SubjectSummary is one line of the summary: how many rows each split holds for a subject.
type SubjectSummary struct {
	Subject  string
	Category string
	Rows     map[mmlu.Split]int
}

// Summarize counts the prepared rows per subject and split under dataDir.
func Summarize(dataDir string) ([]SubjectSummary, error) {
	loader := eval.NewBenchmarkLoader(dataDir)
	bySubject := make(map[string]*SubjectSummary)

	for _, split := range mmlu.Splits {
		data, err := loader.LoadSplit(split)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s split: %w", split, err)
		}
		for subject, qs := range data {
			s, ok := bySubject[subject]
			if !ok {
				cat, known := mmlu.CategoryOf(subject)
				if !known {
					cat = "Uncategorized"
				}
				s = &SubjectSummary{Subject: subject, Category: cat, Rows: map[mmlu.Split]int{}}
				bySubject[subject] = s
			}
			s.Rows[split] = len(qs)
		}
	}

	out := make([]SubjectSummary, 0, len(bySubject))
	for _, s := range bySubject {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Subject < out[j].Subject
	})
	return out, nil
}

// WriteWorkbook writes the summary as an .xlsx workbook with a header row, one row per subject
// and a totals row.
func WriteWorkbook(path string, summaries []SubjectSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := []interface{}{"Category", "Subject", "Test rows", "Dev rows", "Val rows"}
	if err := f.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	totals := map[mmlu.Split]int{}
	for i, s := range summaries {
		row := []interface{}{
			s.Category,
			s.Subject,
			s.Rows[mmlu.SplitTest],
			s.Rows[mmlu.SplitDev],
			s.Rows[mmlu.SplitValidation],
		}
		for split, n := range s.Rows {
			totals[split] += n
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", s.Subject, err)
		}
	}

	cell, err := excelize.CoordinatesToCellName(1, len(summaries)+2)
	if err != nil {
		return err
	}
	footer := []interface{}{"Total", len(summaries), totals[mmlu.SplitTest], totals[mmlu.SplitDev], totals[mmlu.SplitValidation]}
	if err := f.SetSheetRow(summarySheet, cell, &footer); err != nil {
		return fmt.Errorf("failed to write totals: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
