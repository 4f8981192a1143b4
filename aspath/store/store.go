// Package store persists the inference cache between batches and across
// restarts.
package store

import (
	"path/filepath"
	"strings"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// Store is a durable checkpoint of the inference cache.
type Store interface {
	// Load returns every persisted entry. A checkpoint that does not exist
	// yet loads as an empty map.
	Load() (map[aspath.Key]aspath.Result, error)
	// Save makes entries durable. After Save returns nil, a later Load
	// returns at least these entries.
	Save(entries map[aspath.Key]aspath.Result) error
	Close() error
}

// Open picks a backend from the file name: ".db" and ".bolt" open a bbolt
// database, anything else a CBOR snapshot file.
func Open(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return OpenBolt(path)
	default:
		return NewSnapshot(path), nil
	}
}

// NoResultCount returns how many entries hold no path.
func NoResultCount(entries map[aspath.Key]aspath.Result) int {
	n := 0
	for _, r := range entries {
		if !r.Found {
			n++
		}
	}
	return n
}
