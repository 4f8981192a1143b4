package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

func sampleEntries() map[aspath.Key]aspath.Result {
	return map[aspath.Key]aspath.Result{
		{Src: 100, Dst: "1.2.3.4"}:     aspath.PathResult("100-3356-200"),
		{Src: 200, Dst: "10.0.0.1"}:    aspath.PathResult("200-100"),
		{Src: 300, Dst: "2001:db8::1"}: aspath.NoResult,
	}
}

func backends(t *testing.T) map[string]string {
	dir := t.TempDir()
	return map[string]string{
		"snapshot": filepath.Join(dir, "cache.cbor"),
		"bolt":     filepath.Join(dir, "cache.db"),
	}
}

func TestStore_MissingCheckpointLoadsEmpty(t *testing.T) {
	for name, path := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(path)
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			got, err := s.Load()
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_SaveThenReopenPreservesEntries(t *testing.T) {
	for name, path := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(path)
			require.NoError(t, err)
			require.NoError(t, s.Save(sampleEntries()))
			require.NoError(t, s.Close())

			s, err = Open(path)
			require.NoError(t, err)
			defer func() { _ = s.Close() }()
			got, err := s.Load()
			require.NoError(t, err)
			assert.Equal(t, sampleEntries(), got)
			assert.Equal(t, 1, NoResultCount(got))
		})
	}
}

func TestStore_LaterSaveOverwrites(t *testing.T) {
	for name, path := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(path)
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			entries := sampleEntries()
			require.NoError(t, s.Save(entries))
			k := aspath.Key{Src: 300, Dst: "2001:db8::1"}
			entries[k] = aspath.PathResult("300-1")
			require.NoError(t, s.Save(entries))

			got, err := s.Load()
			require.NoError(t, err)
			assert.Equal(t, aspath.PathResult("300-1"), got[k])
			assert.Len(t, got, 3)
		})
	}
}

func TestOpen_SelectsBackendByExtension(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "c.bolt"))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(filepath.Join(dir, "c.pkl"))
	require.NoError(t, err)
	assert.IsType(t, &SnapshotStore{}, s)
}

func TestSnapshot_CorruptFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0o644))
	_, err := NewSnapshot(path).Load()
	assert.Error(t, err)
}

func TestSnapshot_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshot(filepath.Join(dir, "cache.cbor"))
	require.NoError(t, s.Save(sampleEntries()))
	require.NoError(t, s.Save(sampleEntries()))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSnapshot_SaveIntoMissingDirectoryFails(t *testing.T) {
	s := NewSnapshot(filepath.Join(t.TempDir(), "missing", "cache.cbor"))
	assert.Error(t, s.Save(sampleEntries()))
}

func TestBolt_SaveSkipsUnchangedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleEntries()))
	require.NoError(t, s.Close())

	// GIVEN a read-only handle that already knows what was written
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	require.NoError(t, err)
	ro := &BoltStore{db: db, written: sampleEntries()}
	defer func() { _ = ro.Close() }()

	// THEN saving the same entries needs no write transaction
	assert.NoError(t, ro.Save(sampleEntries()))

	// AND a changed entry does
	changed := sampleEntries()
	changed[aspath.Key{Src: 1, Dst: "192.0.2.1"}] = aspath.PathResult("1")
	assert.Error(t, ro.Save(changed))
}
