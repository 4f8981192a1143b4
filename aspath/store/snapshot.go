package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

const snapshotVersion = 1

type snapshotEntry struct {
	Src   uint32 `cbor:"1,keyasint"`
	Dst   string `cbor:"2,keyasint"`
	Path  string `cbor:"3,keyasint,omitempty"`
	Found bool   `cbor:"4,keyasint,omitempty"`
}

type snapshotFile struct {
	Version int             `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
}

// SnapshotStore rewrites the whole cache into one CBOR file on every Save.
// The file is replaced atomically, so a crash leaves the previous checkpoint.
type SnapshotStore struct {
	path string
	enc  cbor.EncMode
}

// NewSnapshot returns a store backed by the file at path.
func NewSnapshot(path string) *SnapshotStore {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// the canonical options are static and always valid
		panic(err)
	}
	return &SnapshotStore{path: path, enc: enc}
}

// Load implements Store.
func (s *SnapshotStore) Load() (map[aspath.Key]aspath.Result, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[aspath.Key]aspath.Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache snapshot: %w", err)
	}
	var snap snapshotFile
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding cache snapshot %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("cache snapshot %s has version %d, want %d", s.path, snap.Version, snapshotVersion)
	}
	out := make(map[aspath.Key]aspath.Result, len(snap.Entries))
	for _, e := range snap.Entries {
		out[aspath.Key{Src: aspath.ASN(e.Src), Dst: e.Dst}] = aspath.Result{Path: e.Path, Found: e.Found}
	}
	return out, nil
}

// Save implements Store.
func (s *SnapshotStore) Save(entries map[aspath.Key]aspath.Result) (err error) {
	snap := snapshotFile{Version: snapshotVersion, Entries: make([]snapshotEntry, 0, len(entries))}
	for k, r := range entries {
		snap.Entries = append(snap.Entries, snapshotEntry{Src: uint32(k.Src), Dst: k.Dst, Path: r.Path, Found: r.Found})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if a.Src != b.Src {
			return a.Src < b.Src
		}
		return a.Dst < b.Dst
	})
	data, err := s.enc.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding cache snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating cache snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		return fmt.Errorf("writing cache snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing cache snapshot: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SnapshotStore) Close() error { return nil }
