package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

func (s *Storage) AppendMutation(ctx context.Context, m model.QueuedMutation) (model.QueuedMutation, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		if to, ok := alias(tx, m.TaskID); ok {
			m.Rekey(m.TaskID, to)
		}
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = seq
		return putMutation(b, m)
	})
	return m, err
}

func (s *Storage) ListMutations(ctx context.Context) ([]model.QueuedMutation, error) {
	var out []model.QueuedMutation
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var m model.QueuedMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal mutation: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

func (s *Storage) CompleteMutation(ctx context.Context, seq uint64, fromID, toID int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if err := b.Delete(seqKey(seq)); err != nil {
			return err
		}
		if fromID == toID {
			return nil
		}
		if fromID < 0 {
			if err := tx.Bucket(bucketAliases).Put(taskKey(fromID), taskKey(toID)); err != nil {
				return err
			}
		}

		var rekeyed []model.QueuedMutation
		err := b.ForEach(func(_, v []byte) error {
			var m model.QueuedMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal mutation: %w", err)
			}
			if m.Rekey(fromID, toID) {
				rekeyed = append(rekeyed, m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids writes while iterating
		for _, m := range rekeyed {
			if err := putMutation(b, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := s.view(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

func alias(tx *bbolt.Tx, id int64) (int64, bool) {
	if id >= 0 {
		return 0, false
	}
	v := tx.Bucket(bucketAliases).Get(taskKey(id))
	if len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v) ^ (1 << 63)), true
}

func putMutation(b *bbolt.Bucket, m model.QueuedMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	return b.Put(seqKey(m.Seq), data)
}
