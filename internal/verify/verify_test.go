package verify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/mmlu-prep/internal/manifest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const goodRows = "What is 2+2?,3,4,5,6,1\n\"Pick one, please\",a,b,c,d,0\n"

func TestVerify_MissingDevDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test", "anatomy_test.csv"), goodRows)

	r := NewEngine(DefaultParams(), nil, nil, nil).Verify(context.Background(), dir)
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, ErrMissingSplitDir)

	var out bytes.Buffer
	r.Print(&out)
	assert.Contains(t, out.String(), "Error:")
}

func TestVerify_WellFormed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test", "anatomy_test.csv"), goodRows)
	writeFile(t, filepath.Join(dir, "dev", "anatomy_dev.csv"), goodRows)
	writeFile(t, filepath.Join(dir, "val", "anatomy_val.csv"), goodRows)
	writeFile(t, filepath.Join(dir, "test", "README.txt"), "not counted")

	r := NewEngine(DefaultParams(), nil, nil, nil).Verify(context.Background(), dir)
	require.True(t, r.OK, "err: %v", r.Err)
	assert.Equal(t, 1, r.TestFiles)
	assert.Equal(t, 1, r.DevFiles)
	assert.Equal(t, 1, r.ValFiles)
	require.Len(t, r.Checked, 1)
	assert.Equal(t, FileCheck{Name: "anatomy_test.csv", Rows: 2, Columns: 6}, r.Checked[0])
	assert.Empty(t, r.Anomalies)
}

func TestVerify_WrongWidthIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test", "a_test.csv"), "q,a,b,c,d,1\n")
	writeFile(t, filepath.Join(dir, "test", "b_test.csv"), "q,a,b,c,1\n")
	writeFile(t, filepath.Join(dir, "test", "c_test.csv"), "")
	writeFile(t, filepath.Join(dir, "test", "d_test.csv"), "q,a,b\n") // beyond the sample
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dev"), 0755))

	r := NewEngine(DefaultParams(), nil, nil, nil).Verify(context.Background(), dir)
	require.True(t, r.OK)
	assert.Equal(t, 4, r.TestFiles)
	assert.Equal(t, 0, r.DevFiles)
	require.Len(t, r.Checked, 3)
	assert.Equal(t, 0, r.Checked[2].Rows, "empty file has no rows")
	require.Len(t, r.Anomalies, 1)
	assert.True(t, strings.HasPrefix(r.Anomalies[0], "b_test.csv"), r.Anomalies[0])
}

func TestVerify_ManifestDrift(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test", "anatomy_test.csv")
	writeFile(t, path, goodRows)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dev"), 0755))

	store, err := manifest.NewMemoryStore("")
	require.NoError(t, err)
	digest, err := manifest.FileDigest(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, manifest.Entry{Path: "test/anatomy_test.csv", SHA256: digest, RunID: "r1"}))

	engine := NewEngine(Params{SampleSize: 3, ManifestRoot: dir}, store, nil, nil)
	assert.Empty(t, engine.Verify(ctx, dir).Anomalies)

	writeFile(t, path, "edited,a,b,c,d,2\n")
	r := engine.Verify(ctx, dir)
	require.Len(t, r.Anomalies, 1)
	assert.Contains(t, r.Anomalies[0], "differs from manifest")
}

func TestVerify_ManifestKeysAreRelativeToRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "test", "anatomy_test.csv"), goodRows)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev"), 0755))

	store, err := manifest.NewMemoryStore("")
	require.NoError(t, err)
	digest, err := manifest.FileDigest(filepath.Join(root, "test", "anatomy_test.csv"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, manifest.Entry{Path: "test/anatomy_test.csv", SHA256: digest, RunID: "r1"}))

	engine := NewEngine(Params{SampleSize: 3, ManifestRoot: root}, store, nil, nil)

	// An extracted archive below the root and an unrelated directory share the relative
	// layout but not the manifest keys.
	for _, dir := range []string{filepath.Join(root, "data"), t.TempDir()} {
		writeFile(t, filepath.Join(dir, "test", "anatomy_test.csv"), "other,a,b,c,d,3\n")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "dev"), 0755))

		r := engine.Verify(ctx, dir)
		require.True(t, r.OK, "err: %v", r.Err)
		assert.Empty(t, r.Anomalies, dir)
	}

	// Without a root the digest comparison is off entirely.
	writeFile(t, filepath.Join(root, "test", "anatomy_test.csv"), "edited,a,b,c,d,2\n")
	assert.Empty(t, NewEngine(DefaultParams(), store, nil, nil).Verify(ctx, root).Anomalies)
}
