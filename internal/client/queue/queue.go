// Package queue keeps the client's offline mutations and replays them
// against the server in the order they were made.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/api"
	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/client/store"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

var ErrDrainInProgress = errors.New("drain already in progress")

// Remote is the subset of the server API the queue replays against.
// GetTask is used to re-read a task after a refused change.
type Remote interface {
	GetTask(ctx context.Context, id int64) (model.Task, error)
	CreateTask(ctx context.Context, task model.Task, idempKey string) (model.Task, error)
	UpdateTask(ctx context.Context, task model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Reconciler receives the store patches produced by a replay.
type Reconciler interface {
	Apply(ctx context.Context, p store.Patch) error
}

type DrainResult struct {
	Attempted int
	Succeeded int
	// Failed entries stay queued for the next drain.
	Failed int
	// Skipped entries were not sent because an earlier entry for the same
	// task has not gone through yet.
	Skipped int
	// Rejected entries were refused by the server and dropped.
	Rejected int
}

type Queue struct {
	storage    storage.QueueStorage
	remote     Remote
	reconciler Reconciler
	logger     *zap.Logger
	now        func() time.Time

	draining atomic.Bool
}

func New(s storage.QueueStorage, remote Remote, reconciler Reconciler, logger *zap.Logger) *Queue {
	return &Queue{
		storage:    s,
		remote:     remote,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

type EnqueueOption func(*model.QueuedMutation)

// WithIdempotencyKey reuses a key that was already sent once, so a create
// whose response was lost is not duplicated.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(m *model.QueuedMutation) { m.IdempotencyKey = key }
}

// WithOriginal records the last server copy of the task.
func WithOriginal(t model.Task) EnqueueOption {
	return func(m *model.QueuedMutation) {
		t.Pending = false
		m.Original = &t
	}
}

// Enqueue records a create or update. Creates get a fresh idempotency key
// unless one is passed in.
func (q *Queue) Enqueue(ctx context.Context, action model.Action, task model.Task, opts ...EnqueueOption) (model.QueuedMutation, error) {
	task.Pending = false
	m := model.QueuedMutation{
		Action:     action,
		TaskID:     task.ID,
		Task:       &task,
		EnqueuedAt: q.now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if action == model.ActionCreate && m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	return q.append(ctx, m)
}

func (q *Queue) EnqueueDelete(ctx context.Context, id int64, opts ...EnqueueOption) (model.QueuedMutation, error) {
	m := model.QueuedMutation{
		Action:     model.ActionDelete,
		TaskID:     id,
		EnqueuedAt: q.now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return q.append(ctx, m)
}

func (q *Queue) append(ctx context.Context, m model.QueuedMutation) (model.QueuedMutation, error) {
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid mutation: %w", err)
	}
	stored, err := q.storage.AppendMutation(ctx, m)
	if err != nil {
		return stored, fmt.Errorf("append mutation: %w", err)
	}
	q.logger.Debug("mutation queued",
		zap.Uint64("seq", stored.Seq),
		zap.String("action", string(stored.Action)),
		zap.Int64("task_id", stored.TaskID))
	return stored, nil
}

func (q *Queue) Pending(ctx context.Context) ([]model.QueuedMutation, error) {
	return q.storage.ListMutations(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.storage.CountMutations(ctx)
}

// ServerCopy returns the last server copy recorded with a queued entry for
// the task, or nil.
func (q *Queue) ServerCopy(ctx context.Context, id int64) (*model.Task, error) {
	entries, err := q.storage.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range entries {
		if m.TaskID == id && m.Original != nil {
			return m.Original, nil
		}
	}
	return nil, nil
}

// HasPending reports whether any queued entry targets the task.
func (q *Queue) HasPending(ctx context.Context, id int64) (bool, error) {
	entries, err := q.storage.ListMutations(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range entries {
		if m.TaskID == id {
			return true, nil
		}
	}
	return false, nil
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeRejected
)

// Drain replays the queue once, oldest entry first. Only one drain runs at a
// time; a concurrent call returns ErrDrainInProgress.
//
// Once an entry for a task fails, later entries for that task are skipped
// until the next drain so the server never sees them out of order. Entries
// for a task created offline wait for its create to succeed.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !q.draining.CompareAndSwap(false, true) {
		return res, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	entries, err := q.storage.ListMutations(ctx)
	if err != nil {
		return res, fmt.Errorf("list mutations: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	remap := make(map[int64]int64)
	blocked := make(map[int64]bool)
	refused := make(map[int64]bool)
	creates := make(map[int64]bool)
	for _, m := range entries {
		if m.Action == model.ActionCreate {
			creates[m.TaskID] = true
		}
	}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := entries[i]
		if to, ok := remap[m.TaskID]; ok {
			m.Rekey(m.TaskID, to)
		}

		switch {
		case refused[m.TaskID], m.TaskID < 0 && !creates[m.TaskID]:
			// the task was never created on the server and no create is left
			if err := q.storage.CompleteMutation(ctx, m.Seq, m.TaskID, m.TaskID); err != nil {
				return res, fmt.Errorf("drop mutation %d: %w", m.Seq, err)
			}
			q.logger.Warn("dropping mutation for a task that was never created",
				zap.Uint64("seq", m.Seq), zap.Int64("task_id", m.TaskID))
			q.reconcile(ctx, store.Discard(m.TaskID))
			res.Rejected++
			continue
		case blocked[m.TaskID], m.Action != model.ActionCreate && m.TaskID < 0:
			res.Skipped++
			continue
		}

		res.Attempted++
		later := hasLater(entries[i+1:], m.TaskID, remap)
		result, newID, err := q.replay(ctx, m, later)
		if err != nil {
			return res, err
		}

		switch result {
		case outcomeDone:
			res.Succeeded++
			if newID != m.TaskID {
				remap[m.TaskID] = newID
			}
		case outcomeFailed:
			res.Failed++
			blocked[m.TaskID] = true
		case outcomeRejected:
			res.Rejected++
			if m.Action == model.ActionCreate {
				refused[m.TaskID] = true
			}
		}
	}

	q.logger.Info("queue drained",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("rejected", res.Rejected))
	return res, nil
}

// replay sends one entry. The returned error is only set for local storage
// failures; server failures are reported through the outcome.
func (q *Queue) replay(ctx context.Context, m model.QueuedMutation, later bool) (outcome, int64, error) {
	log := q.logger.With(
		zap.Uint64("seq", m.Seq),
		zap.String("action", string(m.Action)),
		zap.Int64("task_id", m.TaskID))

	var (
		patch store.Patch
		newID = m.TaskID
		err   error
	)
	switch m.Action {
	case model.ActionCreate:
		var created model.Task
		created, err = q.remote.CreateTask(ctx, *m.Task, m.IdempotencyKey)
		if err == nil {
			newID = created.ID
			if later {
				patch = store.Rekey(m.TaskID, created.ID)
			} else {
				patch = store.Confirm(created, m.TaskID)
			}
		}
	case model.ActionUpdate:
		var updated model.Task
		updated, err = q.remote.UpdateTask(ctx, *m.Task)
		if err == nil && !later {
			patch = store.Confirm(updated, 0)
		}
	case model.ActionDelete:
		err = q.remote.DeleteTask(ctx, m.TaskID)
		if errors.Is(err, api.ErrNotFound) {
			err = nil
		}
		if err == nil {
			patch = store.ConfirmDelete(m.TaskID)
		}
	}

	if err != nil {
		if !rejected(m.Action, err) {
			log.Warn("mutation replay failed, will retry", zap.Error(err))
			return outcomeFailed, m.TaskID, nil
		}
		log.Warn("mutation rejected by server", zap.Error(err))
		if err := q.storage.CompleteMutation(ctx, m.Seq, m.TaskID, m.TaskID); err != nil {
			return outcomeRejected, m.TaskID, fmt.Errorf("drop mutation %d: %w", m.Seq, err)
		}
		q.revert(ctx, m, err)
		return outcomeRejected, m.TaskID, nil
	}

	if err := q.storage.CompleteMutation(ctx, m.Seq, m.TaskID, newID); err != nil {
		return outcomeDone, newID, fmt.Errorf("complete mutation %d: %w", m.Seq, err)
	}
	if patch.Source != 0 {
		q.reconcile(ctx, patch)
	}
	log.Debug("mutation replayed", zap.Int64("server_id", newID))
	return outcomeDone, newID, nil
}

func (q *Queue) reconcile(ctx context.Context, p store.Patch) {
	if q.reconciler == nil || p.Source == 0 {
		return
	}
	if err := q.reconciler.Apply(ctx, p); err != nil {
		q.logger.Error("failed to reconcile local store", zap.String("source", p.Source.String()), zap.Error(err))
	}
}

// rejected reports whether the server refused the mutation for good.
// Transport and 5xx failures and an expired login are retried.
func rejected(action model.Action, err error) bool {
	switch {
	case api.IsRetryable(err), errors.Is(err, api.ErrUnauthorized):
		return false
	case errors.Is(err, api.ErrForbidden),
		errors.Is(err, api.ErrBadRequest),
		errors.Is(err, api.ErrConflict):
		return true
	case errors.Is(err, api.ErrNotFound):
		return action == model.ActionUpdate
	}
	return false
}

// revert undoes the optimistic local change behind a refused mutation. The
// record goes back to the server copy taken at enqueue time; without one it
// is dropped and read again from the server.
func (q *Queue) revert(ctx context.Context, m model.QueuedMutation, err error) {
	switch {
	case m.Action == model.ActionCreate,
		m.Action == model.ActionUpdate && errors.Is(err, api.ErrNotFound):
		q.reconcile(ctx, store.Discard(m.TaskID))
	case m.Original != nil:
		q.reconcile(ctx, store.Revert(*m.Original))
	default:
		q.reconcile(ctx, store.Discard(m.TaskID))
		q.refetch(ctx, m.TaskID)
	}
}

func (q *Queue) refetch(ctx context.Context, id int64) {
	t, err := q.remote.GetTask(ctx, id)
	if err != nil {
		q.logger.Debug("could not re-read refused task", zap.Int64("task_id", id), zap.Error(err))
		return
	}
	q.reconcile(ctx, store.Fetched(t))
}

func hasLater(rest []model.QueuedMutation, id int64, remap map[int64]int64) bool {
	for _, m := range rest {
		target := m.TaskID
		if to, ok := remap[target]; ok {
			target = to
		}
		if target == id {
			return true
		}
	}
	return false
}
