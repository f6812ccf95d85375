package kvstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltBucket holds every key-value entry; the version is packed as an
// 8-byte big-endian prefix ahead of the raw value so a single bucket
// read recovers both without a second lookup, generalizing the
// teacher's bolt.DB.PutJSON/GetJSON helpers to a versioned record.
const boltBucket = "kvstore"

// BoltStore implements Store against an embedded bbolt database, for
// single-process or local-development deployments that don't warrant a
// standalone redis instance.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the bbolt file at path and ensures the
// kvstore bucket exists, mirroring the teacher's bolt.Open + CreateBucket
// sequence.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func encodeRecord(value []byte, version int64) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(version))
	copy(buf[8:], value)
	return buf
}

func decodeRecord(raw []byte) (value []byte, version int64) {
	version = int64(binary.BigEndian.Uint64(raw[:8]))
	value = append([]byte(nil), raw[8:]...)
	return value, version
}

func (s *BoltStore) Get(ctx context.Context, key string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, version := decodeRecord(raw)
		entry = Entry{Value: value, Version: version}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		raw := b.Get([]byte(key))
		var currentVersion int64
		if raw != nil {
			_, currentVersion = decodeRecord(raw)
		}
		if currentVersion != expectedVersion {
			return conflictErr(key, expectedVersion, currentVersion)
		}
		newVersion = currentVersion + 1
		return b.Put([]byte(key), encodeRecord(value, newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *BoltStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		_, currentVersion := decodeRecord(raw)
		if currentVersion != expectedVersion {
			return conflictErr(key, expectedVersion, currentVersion)
		}
		return b.Delete([]byte(key))
	})
}

// Close closes the underlying bbolt database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
