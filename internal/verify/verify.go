package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fractal-lba/mmlu-prep/internal/csvio"
	"github.com/fractal-lba/mmlu-prep/internal/manifest"
	"github.com/fractal-lba/mmlu-prep/internal/metrics"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

// ErrMissingSplitDir is reported when the test or dev directory does not exist.
var ErrMissingSplitDir = errors.New("missing test or dev directory")

// Params tunes the verification pass.
type Params struct {
	// SampleSize is how many test files (in name order) have their shape inspected.
	SampleSize int
	// ManifestRoot is the directory manifest keys are relative to. Files outside it, or every
	// file when it is empty, skip the digest comparison.
	ManifestRoot string
}

// DefaultParams inspects the first three test files.
func DefaultParams() Params {
	return Params{SampleSize: 3}
}

// Engine runs the diagnostic pass over a prepared data directory.
type Engine struct {
	params   Params
	manifest manifest.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEngine creates a verification engine. store, m and logger may be nil.
func NewEngine(params Params, store manifest.Store, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if store == nil {
		store = manifest.NopStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{params: params, manifest: store, metrics: m, logger: logger}
}

// FileCheck is the inspected shape of one file.
type FileCheck struct {
	Name    string
	Rows    int
	Columns int
	Err     error
}

// Report is the outcome of a verification pass. It never blocks a run; OK is false only when
// the directory layout itself is unusable.
type Report struct {
	Dir       string
	OK        bool
	Err       error
	TestFiles int
	DevFiles  int
	ValFiles  int
	Checked   []FileCheck
	Anomalies []string
}

// Verify checks that dir has test and dev subdirectories, counts the per-subject files and
// inspects a sample of test files. Problems are reported, never returned.
func (e *Engine) Verify(ctx context.Context, dir string) *Report {
	r := &Report{Dir: dir}

	testDir := filepath.Join(dir, mmlu.SplitTest.Dir())
	devDir := filepath.Join(dir, mmlu.SplitDev.Dir())
	if !isDir(testDir) || !isDir(devDir) {
		r.Err = fmt.Errorf("%w under %s", ErrMissingSplitDir, dir)
		e.logger.Error("verify failed", zap.String("dir", dir), zap.Error(r.Err))
		return r
	}

	testFiles, err := listSplit(testDir, mmlu.SplitTest)
	if err != nil {
		r.Err = err
		return r
	}
	devFiles, err := listSplit(devDir, mmlu.SplitDev)
	if err != nil {
		r.Err = err
		return r
	}
	r.TestFiles = len(testFiles)
	r.DevFiles = len(devFiles)

	valDir := filepath.Join(dir, mmlu.SplitValidation.Dir())
	if isDir(valDir) {
		valFiles, err := listSplit(valDir, mmlu.SplitValidation)
		if err != nil {
			r.Err = err
			return r
		}
		r.ValFiles = len(valFiles)
	}

	n := e.params.SampleSize
	if n > len(testFiles) {
		n = len(testFiles)
	}
	for _, name := range testFiles[:n] {
		check := e.checkFile(ctx, filepath.Join(testDir, name))
		r.Checked = append(r.Checked, check.FileCheck)
		r.Anomalies = append(r.Anomalies, check.anomalies...)
	}

	r.OK = true
	if e.metrics != nil {
		e.metrics.FilesChecked.Add(float64(len(r.Checked)))
		e.metrics.VerifyAnomalies.Add(float64(len(r.Anomalies)))
	}
	for _, a := range r.Anomalies {
		e.logger.Warn("verify anomaly", zap.String("dir", dir), zap.String("anomaly", a))
	}
	return r
}

type fileResult struct {
	FileCheck
	anomalies []string
}

func (e *Engine) checkFile(ctx context.Context, path string) fileResult {
	name := filepath.Base(path)
	res := fileResult{FileCheck: FileCheck{Name: name}}

	shape, err := csvio.Inspect(path)
	if err != nil {
		res.Err = err
		res.anomalies = append(res.anomalies, fmt.Sprintf("%s: unreadable: %v", name, err))
		return res
	}
	res.Rows = shape.Rows
	res.Columns = shape.Columns

	// An empty file is a subject with no records in this split, not a width problem.
	if shape.Rows > 0 && (shape.Columns != mmlu.RowWidth || shape.Ragged) {
		res.anomalies = append(res.anomalies,
			fmt.Sprintf("%s: should have %d columns (question + 4 choices + answer), has %d", name, mmlu.RowWidth, shape.Columns))
	}

	rel, ok := e.manifestKey(path)
	if !ok {
		return res
	}
	entry, err := e.manifest.Get(ctx, rel)
	if err != nil {
		e.logger.Warn("manifest lookup failed", zap.String("path", rel), zap.Error(err))
		return res
	}
	if entry == nil {
		return res
	}
	digest, err := manifest.FileDigest(path)
	if err != nil {
		res.anomalies = append(res.anomalies, fmt.Sprintf("%s: %v", name, err))
		return res
	}
	if digest != entry.SHA256 {
		res.anomalies = append(res.anomalies,
			fmt.Sprintf("%s: content differs from manifest (run %s)", name, entry.RunID))
	}
	return res
}

// manifestKey returns the manifest key of path, or false when path is not under the manifest root.
func (e *Engine) manifestKey(path string) (string, bool) {
	if e.params.ManifestRoot == "" {
		return "", false
	}
	root, err := filepath.Abs(e.params.ManifestRoot)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := manifest.RelPath(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Print writes the human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Verifying data in %s\n", r.Dir)
	if r.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", r.Err)
		return
	}
	fmt.Fprintf(w, "Found %d test files\n", r.TestFiles)
	fmt.Fprintf(w, "Found %d dev files\n", r.DevFiles)
	if r.ValFiles > 0 {
		fmt.Fprintf(w, "Found %d val files\n", r.ValFiles)
	}
	for _, c := range r.Checked {
		if c.Err != nil {
			fmt.Fprintf(w, "File %s: error: %v\n", c.Name, c.Err)
			continue
		}
		fmt.Fprintf(w, "File %s: %d rows, %d columns\n", c.Name, c.Rows, c.Columns)
	}
	for _, a := range r.Anomalies {
		fmt.Fprintf(w, "Warning: %s\n", a)
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func listSplit(dir string, split mmlu.Split) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), split.Suffix()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
