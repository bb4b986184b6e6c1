package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	e := Entry{Path: "test/anatomy_test.csv", Split: "test", Subject: "anatomy", Rows: 3, SHA256: "aa", RunID: "r1"}
	require.NoError(t, store.Put(ctx, e))

	e.Rows = 4
	e.RunID = "r2"
	require.NoError(t, store.Put(ctx, e))

	got, err := store.Get(ctx, "test/anatomy_test.csv")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Rows)
	assert.Equal(t, "r2", got.RunID)

	missing, err := store.Get(ctx, "dev/anatomy_dev.csv")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshot := filepath.Join(t.TempDir(), "meta", "manifest.json")

	store, err := NewMemoryStore(snapshot)
	require.NoError(t, err)
	written := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, Entry{Path: "dev/b_dev.csv", Rows: 1, WrittenAt: written}))
	require.NoError(t, store.Put(ctx, Entry{Path: "dev/a_dev.csv", Rows: 2, WrittenAt: written}))
	require.NoError(t, store.Close())

	reopened, err := NewMemoryStore(snapshot)
	require.NoError(t, err)
	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev/a_dev.csv", entries[0].Path)
	assert.Equal(t, "dev/b_dev.csv", entries[1].Path)
	assert.True(t, written.Equal(entries[0].WrittenAt))
}

func TestMemoryStore_CorruptSnapshot(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(snapshot, []byte("{not json"), 0644))

	_, err := NewMemoryStore(snapshot)
	assert.Error(t, err)
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	digest, err := FileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", digest)

	_, err = FileDigest(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestRelPath(t *testing.T) {
	rel, err := RelPath("/data", filepath.Join("/data", "test", "anatomy_test.csv"))
	require.NoError(t, err)
	assert.Equal(t, "test/anatomy_test.csv", rel)
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Entry{Path: "x"}))
	e, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, e)
	require.NoError(t, s.Close())
}
