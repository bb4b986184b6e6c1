package eval

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/mmlu-prep/internal/csvio"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

func writePrepared(t *testing.T, dir string, d mmlu.Dataset) {
	t.Helper()
	prepared, err := mmlu.Prepare(d)
	require.NoError(t, err)
	for _, sr := range prepared {
		path := filepath.Join(dir, sr.Split.Dir(), sr.Split.FileName(sr.Subject))
		require.NoError(t, csvio.WriteRows(path, sr.Rows))
	}
}

func TestLoader_RoundTripsSampleData(t *testing.T) {
	dir := t.TempDir()
	want := mmlu.SampleDataset()
	writePrepared(t, dir, want)

	loader := NewBenchmarkLoader(dir)
	subjects, err := loader.SubjectFiles(mmlu.SplitTest)
	require.NoError(t, err)
	assert.Equal(t, mmlu.SampleSubjects, subjects)

	for _, split := range []mmlu.Split{mmlu.SplitTest, mmlu.SplitDev} {
		got, err := loader.LoadSplit(split)
		require.NoError(t, err)
		assert.Equal(t, mmlu.Partition(want[split]), got, split)
	}

	val, err := loader.LoadSplit(mmlu.SplitValidation)
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestLoader_MissingSplit(t *testing.T) {
	subjects, err := NewBenchmarkLoader(t.TempDir()).SubjectFiles(mmlu.SplitValidation)
	require.NoError(t, err)
	assert.Empty(t, subjects)
}

func TestLoadSubject_BadAnswer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "test"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test", "anatomy_test.csv"), []byte("q,a,b,c,d,B\n"), 0644))

	_, err := NewBenchmarkLoader(dir).LoadSubject(mmlu.SplitTest, "anatomy")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "test", "anatomy_test.csv"), []byte("q,a,b,c,d,7\n"), 0644))
	_, err = NewBenchmarkLoader(dir).LoadSubject(mmlu.SplitTest, "anatomy")
	assert.ErrorIs(t, err, mmlu.ErrInvalidRecord)
}
