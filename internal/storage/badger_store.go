// internal/storage/badger_store.go
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"repolens/internal/fingerprint"

	"github.com/dgraph-io/badger/v4"
)

// SnapshotStore persists computed query results keyed by repository,
// operation kind and fingerprint. A stored value is only ever read back for
// the exact fingerprint it was computed against.
type SnapshotStore struct {
	db     *badger.DB
	prefix string
	ttl    time.Duration
	codec  *codec
	owned  bool
}

// Open opens (or creates) a badger database at path. ":memory:" keeps it
// in memory, which is what tests use.
func Open(path string, ttl time.Duration) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(path)
	if path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	store, err := NewSnapshotStore(db, "snap", ttl)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

func NewSnapshotStore(db *badger.DB, prefix string, ttl time.Duration) (*SnapshotStore, error) {
	c, err := newCodec(DefaultCompressionOptions())
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{
		db:     db,
		prefix: prefix,
		ttl:    ttl,
		codec:  c,
	}, nil
}

func (s *SnapshotStore) repoPrefix(repo string) []byte {
	return []byte(fmt.Sprintf("%s:%016x:", s.prefix, fingerprint.HashBytes([]byte(repo))))
}

func (s *SnapshotStore) kindPrefix(repo, kind string) []byte {
	return append(s.repoPrefix(repo), []byte(kind+":")...)
}

func (s *SnapshotStore) makeKey(repo, kind, key string, fp fingerprint.Fingerprint) []byte {
	return append(s.kindPrefix(repo, kind), []byte(strconv.Quote(key)+"@"+fp.Key())...)
}

// Load decodes the snapshot for (repo, kind, key, fp) into out. It reports
// false when nothing was stored.
func (s *SnapshotStore) Load(repo, kind, key string, fp fingerprint.Fingerprint, out any) (bool, error) {
	k := s.makeKey(repo, kind, key, fp)

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading snapshot: %w", err)
	}

	data, err := s.codec.decode(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding snapshot: %w", err)
	}
	return true, nil
}

func (s *SnapshotStore) Store(repo, kind, key string, fp fingerprint.Fingerprint, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	entry := badger.NewEntry(s.makeKey(repo, kind, key, fp), s.codec.encode(data))
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Delete removes snapshots under repo, optionally narrowed to one kind.
// An empty repo matches every repository.
func (s *SnapshotStore) Delete(repo, kind string) (int, error) {
	var prefix []byte
	switch {
	case repo == "":
		prefix = []byte(s.prefix + ":")
	case kind == "":
		prefix = s.repoPrefix(repo)
	default:
		prefix = s.kindPrefix(repo, kind)
	}
	// With no repo but a kind, match the kind segment after the repo hash.
	kindSegment := []byte(":" + kind + ":")

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if repo == "" && kind != "" && !kindMatches(key, len(s.prefix), kindSegment) {
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("deleting snapshot: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing deletes: %w", err)
	}
	return len(keys), nil
}

// kindMatches checks "<prefix>:<16 hex>:<kind>:" layout.
func kindMatches(key []byte, prefixLen int, segment []byte) bool {
	start := prefixLen + 1 + 16
	if len(key) < start+len(segment) {
		return false
	}
	return bytes.Equal(key[start:start+len(segment)], segment)
}

func (s *SnapshotStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
