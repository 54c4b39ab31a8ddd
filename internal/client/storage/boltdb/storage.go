package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/BuzzLyutic/task-sync/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketAuth  = []byte("auth")
	bucketTasks = []byte("tasks")
	bucketQueue = []byte("queue")
	bucketMeta  = []byte("meta")

	// temporary id -> server id, for entries appended after their create was confirmed
	bucketAliases = []byte("aliases")
)

// Storage implements storage.TaskStorage, storage.QueueStorage and
// storage.AuthStorage on a single BoltDB file.
type Storage struct {
	db *bbolt.DB
}

var (
	_ storage.TaskStorage  = (*Storage)(nil)
	_ storage.QueueStorage = (*Storage)(nil)
	_ storage.AuthStorage  = (*Storage)(nil)
)

// New opens (or creates) the BoltDB file at dbPath.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAuth, bucketTasks, bucketQueue, bucketMeta, bucketAliases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	return mapClosed(s.db.View(fn))
}

func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	return mapClosed(s.db.Update(fn))
}

func mapClosed(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrStorageClosed
	}
	return err
}

// taskKey flips the sign bit so that negative ids sort before positive ones
// under bbolt's byte ordering.
func taskKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id)^(1<<63))
	return key
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
