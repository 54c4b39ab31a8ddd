// Package store is the client's local view of the user's tasks. Every change
// goes through Apply, which merges according to where the change came from.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

const stripes = 32

type Store struct {
	storage storage.TaskStorage
	logger  *zap.Logger

	// all is held for writing by refresh and for reading by every per-id
	// patch, which then takes its id stripe.
	all   sync.RWMutex
	locks [stripes]sync.Mutex

	pubMu   sync.Mutex
	subs    map[int]chan []model.Task
	nextSub int
}

func New(s storage.TaskStorage, logger *zap.Logger) *Store {
	return &Store{
		storage: s,
		logger:  logger,
		subs:    make(map[int]chan []model.Task),
	}
}

// Apply merges p into the snapshot:
//   - refresh replaces everything except pending records
//   - fetch upserts unless the local record is pending
//   - local edits upsert with pending set, or delete
//   - remote events upsert with pending cleared, or delete
//   - confirmations upsert with pending cleared and drop ReplacesID
//   - reverts restore or drop a record after the server refused a change
//
// Deleting an unknown id is a no-op for every source.
func (s *Store) Apply(ctx context.Context, p Patch) error {
	var err error
	if p.Source == SourceRefresh {
		err = s.applyRefresh(ctx, p.Tasks)
	} else {
		err = s.applyOne(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("apply %s patch: %w", p.Source, err)
	}

	s.publish(ctx)
	return nil
}

func (s *Store) applyRefresh(ctx context.Context, tasks []model.Task) error {
	s.all.Lock()
	defer s.all.Unlock()

	fresh := make([]model.Task, len(tasks))
	for i, t := range tasks {
		t.Pending = false
		fresh[i] = t
	}
	return s.storage.ReplaceAll(ctx, fresh, func(t model.Task) bool { return t.Pending })
}

func (s *Store) applyOne(ctx context.Context, p Patch) error {
	s.all.RLock()
	defer s.all.RUnlock()

	unlock := s.lockIDs(p.Task.ID, p.ReplacesID)
	defer unlock()

	t := p.Task
	switch p.Source {
	case SourceLocalEdit:
		if p.Delete {
			_, err := s.storage.DeleteTask(ctx, t.ID)
			return err
		}
		t.Pending = true
		return s.storage.PutTask(ctx, t)

	case SourceFetch:
		current, err := s.storage.GetTask(ctx, t.ID)
		if err == nil && current.Pending {
			return nil
		}
		if err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			return err
		}
		t.Pending = false
		return s.storage.PutTask(ctx, t)

	case SourceRemoteEvent, SourceRevert:
		if p.Delete {
			_, err := s.storage.DeleteTask(ctx, t.ID)
			return err
		}
		t.Pending = false
		return s.storage.PutTask(ctx, t)

	case SourceConfirm:
		if p.Delete {
			_, err := s.storage.DeleteTask(ctx, t.ID)
			return err
		}
		if p.KeepLocal {
			local, err := s.storage.GetTask(ctx, p.ReplacesID)
			if errors.Is(err, storage.ErrTaskNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			local.ID = t.ID
			return s.storage.ReplaceTask(ctx, p.ReplacesID, local)
		}
		t.Pending = false
		if p.ReplacesID != 0 && p.ReplacesID != t.ID {
			return s.storage.ReplaceTask(ctx, p.ReplacesID, t)
		}
		return s.storage.PutTask(ctx, t)

	default:
		return fmt.Errorf("unknown patch source %d", p.Source)
	}
}

// lockIDs takes the stripes of both ids in index order.
func (s *Store) lockIDs(a, b int64) func() {
	i, j := stripe(a), stripe(b)
	if b == 0 || i == j {
		s.locks[i].Lock()
		return s.locks[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	s.locks[i].Lock()
	s.locks[j].Lock()
	return func() {
		s.locks[j].Unlock()
		s.locks[i].Unlock()
	}
}

func stripe(id int64) int {
	return int(uint64(id) % stripes)
}

func (s *Store) Get(ctx context.Context, id int64) (model.Task, error) {
	return s.storage.GetTask(ctx, id)
}

// List returns the snapshot ordered by id.
func (s *Store) List(ctx context.Context) ([]model.Task, error) {
	return s.storage.ListTasks(ctx)
}

func (s *Store) NextLocalID(ctx context.Context) (int64, error) {
	return s.storage.NextLocalID(ctx)
}

// Subscribe returns a channel that always holds the most recent snapshot.
// A subscriber that falls behind only sees the latest one. The current
// snapshot is delivered immediately.
func (s *Store) Subscribe(ctx context.Context) (<-chan []model.Task, func()) {
	ch := make(chan []model.Task, 1)

	s.pubMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	if snapshot, err := s.storage.ListTasks(ctx); err == nil {
		ch <- snapshot
	}
	s.pubMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.pubMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.pubMu.Unlock()
		})
	}
}

func (s *Store) publish(ctx context.Context) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if len(s.subs) == 0 {
		return
	}
	snapshot, err := s.storage.ListTasks(ctx)
	if err != nil {
		s.logger.Warn("failed to read snapshot for subscribers", zap.Error(err))
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			// replace the undelivered snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
