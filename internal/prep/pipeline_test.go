package prep

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/mmlu-prep/internal/acquire"
	"github.com/fractal-lba/mmlu-prep/internal/manifest"
	"github.com/fractal-lba/mmlu-prep/internal/metrics"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
	"github.com/fractal-lba/mmlu-prep/internal/verify"
)

type fakeHub struct {
	data  mmlu.Dataset
	err   error
	calls int
}

func (f *fakeHub) Fetch(context.Context) (mmlu.Dataset, error) {
	f.calls++
	return f.data, f.err
}

type fakeArchive struct {
	err   error
	calls int
}

// FetchArchive lays out a minimal extracted archive under dataDir/data.
func (f *fakeArchive) FetchArchive(_ context.Context, dataDir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	root := filepath.Join(dataDir, "data")
	for _, sub := range []string{"test", "dev", "val"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return "", err
		}
	}
	body := []byte("q,a,b,c,d,A\n")
	if err := os.WriteFile(filepath.Join(root, "test", "virology_test.csv"), body, 0644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, "dev", "virology_dev.csv"), body, 0644); err != nil {
		return "", err
	}
	return root, nil
}

func q(subject, text string, answer int) mmlu.Question {
	return mmlu.Question{Question: text, Choices: []string{"a", "b", "c", "d"}, Answer: answer, Subject: subject}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"full", ModeFull, true},
		{"1", ModeFull, true},
		{"sample", ModeSample, true},
		{"2", ModeSample, true},
		{"3", ModeSample, false},
		{"", ModeSample, false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestRun_SampleMode(t *testing.T) {
	dir := t.TempDir()
	hub := &fakeHub{}
	var out bytes.Buffer

	res, err := New(dir, Deps{Hub: hub, Out: &out}).Run(context.Background(), ModeSample)
	require.NoError(t, err)

	assert.Equal(t, 0, hub.calls, "sample mode never contacts the hub")
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, acquire.StageSample, res.Final().Stage)
	assert.Equal(t, 6, res.Files)
	assert.Equal(t, 15, res.Rows)

	test := readFile(t, filepath.Join(dir, "test", "abstract_algebra_test.csv"))
	assert.True(t, strings.HasPrefix(test, "What is 2+2?,3,4,5,6,1\n"), test)
	assert.Equal(t, 3, strings.Count(test, "\n"))

	dev := readFile(t, filepath.Join(dir, "dev", "abstract_algebra_dev.csv"))
	assert.True(t, strings.HasPrefix(test, dev), "dev rows are the first test rows")
	assert.Equal(t, 2, strings.Count(dev, "\n"))

	_, err = os.Stat(filepath.Join(dir, "val"))
	assert.True(t, os.IsNotExist(err), "sample mode creates no val directory")

	require.NotNil(t, res.Report)
	assert.True(t, res.Report.OK)
	assert.Equal(t, 3, res.Report.TestFiles)
	assert.Equal(t, 3, res.Report.DevFiles)
	assert.Empty(t, res.Report.Anomalies)
	assert.Contains(t, out.String(), "Creating sample MMLU data...")
}

func TestRun_Idempotent(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, Deps{})

	_, err := p.Run(context.Background(), ModeSample)
	require.NoError(t, err)
	first := readFile(t, filepath.Join(dir, "test", "astronomy_test.csv"))

	_, err = p.Run(context.Background(), ModeSample)
	require.NoError(t, err)
	assert.Equal(t, first, readFile(t, filepath.Join(dir, "test", "astronomy_test.csv")))
}

func TestRun_FullFromHub(t *testing.T) {
	dir := t.TempDir()
	hub := &fakeHub{data: mmlu.Dataset{
		mmlu.SplitTest: {
			q("virology", "What is a virus, really?", 2),
			q("anatomy", "Bones?", 0),
			q("virology", "Second", 3),
		},
		mmlu.SplitDev:        {q("virology", "Dev", 1)},
		mmlu.SplitValidation: {q("anatomy", "Val", 1)},
	}}
	archive := &fakeArchive{}
	store, err := manifest.NewMemoryStore("")
	require.NoError(t, err)
	m := metrics.New()

	res, err := New(dir, Deps{Hub: hub, Archive: archive, Manifest: store, Metrics: m}).Run(context.Background(), ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 0, archive.calls)
	assert.Equal(t, acquire.StageHub, res.Final().Stage)
	assert.Equal(t, dir, res.VerifyDir)

	assert.Equal(t, "\"What is a virus, really?\",a,b,c,d,2\nSecond,a,b,c,d,3\n",
		readFile(t, filepath.Join(dir, "test", "virology_test.csv")))
	assert.Equal(t, "Val,a,b,c,d,1\n", readFile(t, filepath.Join(dir, "val", "anatomy_val.csv")))

	// Every subject gets a file in every split, even with no records.
	assert.Equal(t, "", readFile(t, filepath.Join(dir, "dev", "anatomy_dev.csv")))
	assert.Equal(t, "", readFile(t, filepath.Join(dir, "val", "virology_val.csv")))
	assert.Equal(t, 6, res.Files)

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, "dev/anatomy_dev.csv", entries[0].Path)
	assert.Equal(t, res.RunID, entries[0].RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireAttempts.WithLabelValues("hub", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RowsWritten.WithLabelValues("test")))
	assert.Equal(t, 2, res.Report.ValFiles)
}

func TestRun_FallsBackToArchive(t *testing.T) {
	dir := t.TempDir()
	hub := &fakeHub{err: errors.New("hub unreachable")}
	archive := &fakeArchive{}
	var out bytes.Buffer

	res, err := New(dir, Deps{Hub: hub, Archive: archive, Out: &out}).Run(context.Background(), ModeFull)
	require.NoError(t, err)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, acquire.StageHub, res.Attempts[0].Stage)
	assert.Error(t, res.Attempts[0].Err)
	assert.Equal(t, acquire.StageArchive, res.Final().Stage)
	assert.Equal(t, filepath.Join(dir, "data"), res.VerifyDir)
	assert.Equal(t, 0, res.Files)

	assert.True(t, res.Report.OK)
	assert.Equal(t, 1, res.Report.TestFiles)
	assert.Contains(t, out.String(), "Download failed: hub unreachable")
}

func TestRun_ArchiveAfterHubHasNoManifestDrift(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := manifest.NewMemoryStore(filepath.Join(dir, ".manifest.json"))
	require.NoError(t, err)

	hub := &fakeHub{data: mmlu.Dataset{
		mmlu.SplitTest: {q("virology", "From the hub", 0)},
		mmlu.SplitDev:  {q("virology", "Dev", 1)},
	}}
	first, err := New(dir, Deps{Hub: hub, Archive: &fakeArchive{}, Manifest: store}).Run(ctx, ModeFull)
	require.NoError(t, err)
	require.Equal(t, acquire.StageHub, first.Final().Stage)
	require.Empty(t, first.Report.Anomalies)

	hub.err = errors.New("hub unreachable")
	second, err := New(dir, Deps{Hub: hub, Archive: &fakeArchive{}, Manifest: store}).Run(ctx, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, acquire.StageArchive, second.Final().Stage)
	assert.Equal(t, filepath.Join(dir, "data"), second.VerifyDir)
	require.Len(t, second.Report.Checked, 1)
	assert.Equal(t, "virology_test.csv", second.Report.Checked[0].Name)
	assert.Empty(t, second.Report.Anomalies, "archive files are not compared against hub manifest entries")
}

func TestRun_FallsBackToSample(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	p := New(dir, Deps{
		Hub:     &fakeHub{err: errors.New("hub down")},
		Archive: &fakeArchive{err: errors.New("archive gone")},
		Metrics: m,
	})

	res, err := p.Run(context.Background(), ModeFull)
	require.NoError(t, err)

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, acquire.StageSample, res.Final().Stage)
	assert.FileExists(t, filepath.Join(dir, "test", "anatomy_test.csv"))
	assert.DirExists(t, filepath.Join(dir, "val"), "full mode creates val even when sample data is used")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireAttempts.WithLabelValues("archive", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireAttempts.WithLabelValues("sample", "success")))
}

func TestRun_InvalidHubDataIsNotPersisted(t *testing.T) {
	dir := t.TempDir()
	hub := &fakeHub{data: mmlu.Dataset{
		mmlu.SplitTest: {{Question: "broken", Choices: []string{"a"}, Answer: 0, Subject: "anatomy"}},
	}}

	_, err := New(dir, Deps{Hub: hub}).Run(context.Background(), ModeFull)
	assert.ErrorIs(t, err, mmlu.ErrInvalidRecord)
}

func TestRun_WriteFailureAborts(t *testing.T) {
	dir := t.TempDir()
	// A directory where the first output file should go makes the write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "test", "abstract_algebra_test.csv"), 0755))

	res, err := New(dir, Deps{}).Run(context.Background(), ModeSample)
	require.Error(t, err)
	assert.Nil(t, res.Report, "verification does not run after a failed write")
}

func TestPrintLayout(t *testing.T) {
	var buf bytes.Buffer
	PrintLayout(&buf, &Result{VerifyDir: "mmlu/data", Report: &verify.Report{TestFiles: 3, DevFiles: 3}})
	assert.Contains(t, buf.String(), "Data preparation complete! Data saved in: mmlu/data")
	assert.Contains(t, buf.String(), "    ├── test/")
	assert.Contains(t, buf.String(), "    └── dev/")
	assert.NotContains(t, buf.String(), "val/")

	buf.Reset()
	PrintLayout(&buf, &Result{VerifyDir: "mmlu/data", Report: &verify.Report{ValFiles: 57}})
	assert.Contains(t, buf.String(), "    ├── dev/")
	assert.Contains(t, buf.String(), "    └── val/")
	assert.NotContains(t, buf.String(), "└── dev/")
}
