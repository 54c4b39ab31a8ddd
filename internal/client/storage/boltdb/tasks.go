package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

func (s *Storage) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(id))
		if data == nil {
			return storage.ErrTaskNotFound
		}
		return json.Unmarshal(data, &t)
	})
	return t, err
}

func (s *Storage) ListTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		tasks = make([]model.Task, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	return tasks, err
}

func (s *Storage) PutTask(ctx context.Context, t model.Task) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putTask(tx.Bucket(bucketTasks), t)
	})
}

func (s *Storage) DeleteTask(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(id)
		if b.Get(key) == nil {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

func (s *Storage) ReplaceTask(ctx context.Context, oldID int64, t model.Task) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if oldID != t.ID {
			if err := b.Delete(taskKey(oldID)); err != nil {
				return err
			}
		}
		return putTask(b, t)
	})
}

func (s *Storage) ReplaceAll(ctx context.Context, tasks []model.Task, keep func(model.Task) bool) error {
	return s.update(func(tx *bbolt.Tx) error {
		kept := make(map[int64]model.Task)
		if keep != nil {
			err := tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
				var t model.Task
				if err := json.Unmarshal(v, &t); err != nil {
					return fmt.Errorf("failed to unmarshal task: %w", err)
				}
				if keep(t) {
					kept[t.ID] = t
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket(bucketTasks); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketTasks)
		if err != nil {
			return err
		}

		for _, t := range kept {
			if err := putTask(b, t); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			if _, ok := kept[t.ID]; ok {
				continue
			}
			if err := putTask(b, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextLocalID hands out -1, -2, ... from the meta bucket sequence, so ids
// are never reused across restarts.
func (s *Storage) NextLocalID(ctx context.Context) (int64, error) {
	var id int64
	err := s.update(func(tx *bbolt.Tx) error {
		n, err := tx.Bucket(bucketMeta).NextSequence()
		if err != nil {
			return err
		}
		id = -int64(n)
		return nil
	})
	return id, err
}

func putTask(b *bbolt.Bucket, t model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return b.Put(taskKey(t.ID), data)
}
