package mmlu

import "fmt"

// NumChoices is the number of answer options every MMLU question carries.
const NumChoices = 4

// RowWidth is the number of fields in a prepared row: question, four choices, answer index.
const RowWidth = NumChoices + 2

// Question is a single multiple-choice record as served by the dataset source.
type Question struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices" validate:"len=4"`
	Answer   int      `json:"answer" validate:"min=0,max=3"`
	Subject  string   `json:"subject" validate:"required"`
}

// Row is the flattened on-disk form of a Question.
type Row [RowWidth]string

// Split identifies one of the benchmark's disjoint sample sets.
type Split string

const (
	SplitTest       Split = "test"
	SplitDev        Split = "dev"
	SplitValidation Split = "validation"
)

// Splits lists every split in write order.
var Splits = []Split{SplitTest, SplitDev, SplitValidation}

// Dir returns the directory name a split is written under.
func (s Split) Dir() string {
	if s == SplitValidation {
		return "val"
	}
	return string(s)
}

// FileName returns the per-subject file name for this split, e.g. "anatomy_dev.csv".
func (s Split) FileName(subject string) string {
	return fmt.Sprintf("%s%s", subject, s.Suffix())
}

// Suffix is the file name suffix shared by all files of a split.
func (s Split) Suffix() string {
	return fmt.Sprintf("_%s.csv", s.Dir())
}

// ParseSplit maps a split or directory name back to a Split.
func ParseSplit(name string) (Split, error) {
	switch name {
	case "test":
		return SplitTest, nil
	case "dev":
		return SplitDev, nil
	case "validation", "val":
		return SplitValidation, nil
	default:
		return "", fmt.Errorf("unknown split %q", name)
	}
}

// Dataset holds the records of each acquired split in source order.
// Splits that were not acquired are absent from the map.
type Dataset map[Split][]Question

// Len returns the total number of records across all splits.
func (d Dataset) Len() int {
	n := 0
	for _, qs := range d {
		n += len(qs)
	}
	return n
}
