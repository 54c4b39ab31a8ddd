// Package tasks is the client-side entry point for reading and changing
// tasks. Writes are applied to the local store first and reach the server
// either right away or through the offline queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/api"
	"github.com/BuzzLyutic/task-sync/internal/client/connectivity"
	"github.com/BuzzLyutic/task-sync/internal/client/queue"
	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/client/store"
	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/internal/worker"
)

const refreshPageSize = 100

type Remote interface {
	queue.Remote
	GetTask(ctx context.Context, id int64) (model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) (model.TaskPage, error)
}

// Outcome tells the caller whether a write reached the server.
type Outcome struct {
	Task    model.Task
	Offline bool
}

type Service struct {
	store   *store.Store
	queue   *queue.Queue
	remote  Remote
	monitor *connectivity.Monitor
	logger  *zap.Logger
}

func NewService(st *store.Store, q *queue.Queue, remote Remote, monitor *connectivity.Monitor, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		queue:   q,
		remote:  remote,
		monitor: monitor,
		logger:  logger,
	}
}

// Save creates the task when ID is 0 and updates it otherwise. The local
// store shows the change immediately with Pending set. When the server is
// unreachable the change is queued and Outcome.Offline is true.
func (s *Service) Save(ctx context.Context, t model.Task) (Outcome, error) {
	action := model.ActionUpdate
	if t.ID == 0 {
		id, err := s.store.NextLocalID(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("allocate local id: %w", err)
		}
		t.ID = id
		action = model.ActionCreate
	}

	prev, prevErr := s.store.Get(ctx, t.ID)
	if prevErr != nil && !errors.Is(prevErr, storage.ErrTaskNotFound) {
		return Outcome{}, prevErr
	}
	opts, err := s.enqueueOptions(ctx, t.ID, prev, prevErr == nil)
	if err != nil {
		return Outcome{}, err
	}

	t.Pending = false
	if err := s.store.Apply(ctx, store.LocalEdit(t)); err != nil {
		return Outcome{}, err
	}
	local := t
	local.Pending = true

	deferred, err := s.mustQueue(ctx, t.ID, action)
	if err != nil {
		return Outcome{}, err
	}
	if deferred {
		if _, err := s.queue.Enqueue(ctx, action, t, opts...); err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: local, Offline: true}, nil
	}

	var (
		saved model.Task
		key   string
	)
	if action == model.ActionCreate {
		key = uuid.NewString()
		saved, err = s.remote.CreateTask(ctx, t, key)
	} else {
		saved, err = s.remote.UpdateTask(ctx, t)
	}

	if err == nil {
		replaces := int64(0)
		if action == model.ActionCreate {
			replaces = t.ID
		}
		if err := s.store.Apply(ctx, store.Confirm(saved, replaces)); err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: saved}, nil
	}

	if api.IsRetryable(err) || errors.Is(err, api.ErrUnauthorized) {
		if api.IsRetryable(err) {
			s.monitor.SetOnline(false)
		}
		if key != "" {
			opts = append(opts, queue.WithIdempotencyKey(key))
		}
		if _, qerr := s.queue.Enqueue(ctx, action, t, opts...); qerr != nil {
			return Outcome{}, qerr
		}
		if errors.Is(err, api.ErrUnauthorized) {
			return Outcome{Task: local, Offline: true}, err
		}
		s.logger.Info("server unreachable, change queued", zap.Int64("task_id", t.ID), zap.Error(err))
		return Outcome{Task: local, Offline: true}, nil
	}

	s.revert(ctx, t.ID, prev, prevErr == nil)
	return Outcome{}, err
}

// Delete removes the task locally and on the server, queueing the delete
// when offline.
func (s *Service) Delete(ctx context.Context, id int64) (Outcome, error) {
	prev, err := s.store.Get(ctx, id)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
		return Outcome{}, err
	}
	opts, err := s.enqueueOptions(ctx, id, prev, existed)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.store.Apply(ctx, store.LocalDelete(id)); err != nil {
		return Outcome{}, err
	}

	deferred, err := s.mustQueue(ctx, id, model.ActionDelete)
	if err != nil {
		return Outcome{}, err
	}
	if !deferred {
		err = s.remote.DeleteTask(ctx, id)
		switch {
		case err == nil, errors.Is(err, api.ErrNotFound):
			return Outcome{Task: prev}, s.store.Apply(ctx, store.ConfirmDelete(id))
		case api.IsRetryable(err):
			s.monitor.SetOnline(false)
		case errors.Is(err, api.ErrUnauthorized):
		default:
			if existed {
				s.revert(ctx, id, prev, true)
			}
			return Outcome{}, err
		}
	}

	if _, qerr := s.queue.EnqueueDelete(ctx, id, opts...); qerr != nil {
		return Outcome{}, qerr
	}
	return Outcome{Task: prev, Offline: true}, unauthorized(err)
}

// mustQueue reports whether the write has to go through the queue: the
// client is offline, the task only exists locally, or earlier changes to it
// are still waiting.
func (s *Service) mustQueue(ctx context.Context, id int64, action model.Action) (bool, error) {
	if !s.monitor.Online() {
		return true, nil
	}
	if id < 0 && action != model.ActionCreate {
		return true, nil
	}
	waiting, err := s.queue.HasPending(ctx, id)
	if err != nil {
		return false, fmt.Errorf("inspect queue: %w", err)
	}
	return waiting, nil
}

// enqueueOptions attaches the last known server copy of the task so a refused
// change can be undone. A pending record is not a server copy; the copy
// recorded with the earlier queued entry is used instead.
func (s *Service) enqueueOptions(ctx context.Context, id int64, prev model.Task, existed bool) ([]queue.EnqueueOption, error) {
	if id < 0 {
		return nil, nil
	}
	if existed && !prev.Pending {
		return []queue.EnqueueOption{queue.WithOriginal(prev)}, nil
	}
	original, err := s.queue.ServerCopy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect queue: %w", err)
	}
	if original == nil {
		return nil, nil
	}
	return []queue.EnqueueOption{queue.WithOriginal(*original)}, nil
}

func (s *Service) revert(ctx context.Context, id int64, prev model.Task, existed bool) {
	p := store.Discard(id)
	if existed {
		p = store.Revert(prev)
	}
	if err := s.store.Apply(ctx, p); err != nil {
		s.logger.Error("failed to revert local change", zap.Int64("task_id", id), zap.Error(err))
	}
}

func unauthorized(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		return err
	}
	return nil
}

// Fetch reads one task from the server into the store. On error the store
// is left untouched.
func (s *Service) Fetch(ctx context.Context, id int64) (model.Task, error) {
	t, err := s.remote.GetTask(ctx, id)
	if err != nil {
		if api.IsRetryable(err) {
			s.monitor.SetOnline(false)
		}
		return model.Task{}, err
	}
	if err := s.store.Apply(ctx, store.Fetched(t)); err != nil {
		return model.Task{}, err
	}
	return s.store.Get(ctx, id)
}

// Refresh replaces the snapshot with the server's full listing. Records with
// unsent changes are kept.
func (s *Service) Refresh(ctx context.Context) error {
	var all []model.Task
	for skip := 0; ; {
		page, err := s.remote.ListTasks(ctx, model.TaskFilter{Skip: skip, Take: refreshPageSize})
		if err != nil {
			if api.IsRetryable(err) {
				s.monitor.SetOnline(false)
			}
			return err
		}
		all = append(all, page.Tasks...)
		skip += len(page.Tasks)
		if len(page.Tasks) == 0 || skip >= page.TotalTasks {
			break
		}
	}
	s.monitor.SetOnline(true)

	// a delete still in the queue is a pending change with no local record
	queued, err := s.queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("inspect queue: %w", err)
	}
	deleted := make(map[int64]bool)
	for _, m := range queued {
		if m.Action == model.ActionDelete {
			deleted[m.TaskID] = true
		}
	}
	fresh := all[:0]
	for _, t := range all {
		if !deleted[t.ID] {
			fresh = append(fresh, t)
		}
	}
	return s.store.Apply(ctx, store.Refresh(fresh))
}

// Sync drains the queue and then refreshes the snapshot.
func (s *Service) Sync(ctx context.Context) (queue.DrainResult, error) {
	res, err := s.queue.Drain(ctx)
	if err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
		return res, fmt.Errorf("drain queue: %w", err)
	}
	if err := s.Refresh(ctx); err != nil {
		return res, fmt.Errorf("refresh: %w", err)
	}
	return res, nil
}

func (s *Service) Tasks(ctx context.Context) ([]model.Task, error) {
	return s.store.List(ctx)
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}

// Watch streams store snapshots, see store.Store.Subscribe.
func (s *Service) Watch(ctx context.Context) (<-chan []model.Task, func()) {
	return s.store.Subscribe(ctx)
}

// SyncJob runs Sync on an interval while the server is reachable.
func (s *Service) SyncJob(interval time.Duration) worker.Job {
	return worker.Job{
		Name:     "sync",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if !s.monitor.Online() {
				return nil
			}
			_, err := s.Sync(ctx)
			return err
		},
	}
}
