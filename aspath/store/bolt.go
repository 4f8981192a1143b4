package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

var pathsBucket = []byte("paths")

const (
	flagNoResult byte = 0
	flagFound    byte = 1
)

// BoltStore keeps the cache in a bbolt database. Save only writes entries
// that changed since the previous Save, in one transaction.
type BoltStore struct {
	db      *bolt.DB
	written map[aspath.Key]aspath.Result
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pathsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing cache database: %w", err)
	}
	return &BoltStore{db: db, written: make(map[aspath.Key]aspath.Result)}, nil
}

func encodeKey(k aspath.Key) []byte {
	b := make([]byte, 4+len(k.Dst))
	binary.BigEndian.PutUint32(b, uint32(k.Src))
	copy(b[4:], k.Dst)
	return b
}

func decodeKey(b []byte) (aspath.Key, error) {
	if len(b) < 4 {
		return aspath.Key{}, fmt.Errorf("short cache key (%d bytes)", len(b))
	}
	return aspath.Key{Src: aspath.ASN(binary.BigEndian.Uint32(b)), Dst: string(b[4:])}, nil
}

func encodeResult(r aspath.Result) []byte {
	if !r.Found {
		return []byte{flagNoResult}
	}
	return append([]byte{flagFound}, r.Path...)
}

func decodeResult(b []byte) (aspath.Result, error) {
	if len(b) == 0 {
		return aspath.Result{}, fmt.Errorf("empty cache value")
	}
	if b[0] == flagNoResult {
		return aspath.NoResult, nil
	}
	return aspath.PathResult(string(b[1:])), nil
}

// Load implements Store.
func (s *BoltStore) Load() (map[aspath.Key]aspath.Result, error) {
	out := make(map[aspath.Key]aspath.Result)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pathsBucket).ForEach(func(k, v []byte) error {
			key, err := decodeKey(k)
			if err != nil {
				return err
			}
			r, err := decodeResult(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading cache database: %w", err)
	}
	for k, v := range out {
		s.written[k] = v
	}
	return out, nil
}

// Save implements Store.
func (s *BoltStore) Save(entries map[aspath.Key]aspath.Result) error {
	changed := make(map[aspath.Key]aspath.Result)
	for k, r := range entries {
		if prev, ok := s.written[k]; !ok || prev != r {
			changed[k] = r
		}
	}
	if len(changed) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(pathsBucket)
		for k, r := range changed {
			if err := bkt.Put(encodeKey(k), encodeResult(r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing cache database: %w", err)
	}
	for k, r := range changed {
		s.written[k] = r
	}
	return nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
