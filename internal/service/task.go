package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/internal/repo"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	defaultTake = 10
	maxTake     = 100
	lockStripes = 64
)

// EventPublisher fans a committed change out to the owner's live connections.
type EventPublisher interface {
	Broadcast(userID int64, eventType model.EventType, task model.Task) (int, error)
}

// TaskService validates, authorizes and persists task mutations, then
// publishes them. Mutations of one task id are serialized so that events
// leave in commit order.
type TaskService struct {
	repo   repo.TaskRepository
	events EventPublisher
	logger *zap.Logger

	taskLocks [lockStripes]sync.Mutex
	keyLocks  [lockStripes]sync.Mutex
}

func NewTaskService(repo repo.TaskRepository, events EventPublisher, logger *zap.Logger) *TaskService {
	return &TaskService{repo: repo, events: events, logger: logger}
}

func (s *TaskService) Create(ctx context.Context, userID int64, t model.Task, idempKey string) (model.Task, error) {
	t = normalize(t)
	if err := s.validate(t); err != nil { // Валидация модели на корректность введенных данных
		return t, err
	}
	t.ID = 0
	t.UserID = userID

	if idempKey != "" { // Обеспечение идемпотентности - если ключ с ресурсом уже существует, мы не создаем его еще раз
		mu := s.keyLock(userID, idempKey)
		mu.Lock()
		defer mu.Unlock()

		existingID, err := s.repo.GetIdempotencyKey(ctx, userID, idempKey)
		switch {
		case err == nil:
			existing, err := s.repo.Get(ctx, existingID)
			if err == nil && existing.UserID == userID {
				return existing, nil
			}
			if err != nil && !errors.Is(err, repo.ErrorNotFound) {
				return model.Task{}, err
			}
			// the task behind the key is gone, create a fresh one
		case !errors.Is(err, repo.ErrorNotFound):
			return model.Task{}, err
		}
	}

	created, err := s.repo.Create(ctx, t)
	if err != nil {
		return created, fmt.Errorf("create task: %w", err)
	}

	if idempKey != "" {
		if err := s.repo.SaveIdempotencyKey(ctx, userID, idempKey, created.ID); err != nil {
			s.logger.Warn("failed to save idempotency key", zap.Int64("task_id", created.ID), zap.Error(err))
		}
	}

	s.publish(userID, model.EventTaskAdded, created)
	return created, nil
}

func (s *TaskService) Get(ctx context.Context, userID, id int64) (model.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return t, err
	}
	if t.UserID != userID {
		return model.Task{}, ErrForbidden
	}
	return t, nil
}

func (s *TaskService) List(ctx context.Context, userID int64, filter model.TaskFilter) (model.TaskPage, error) {
	if filter.Take <= 0 {
		filter.Take = defaultTake
	}
	if filter.Take > maxTake {
		filter.Take = maxTake
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)

	tasks, total, err := s.repo.List(ctx, userID, filter)
	if err != nil {
		return model.TaskPage{}, err
	}
	return model.TaskPage{Tasks: tasks, TotalTasks: total}, nil
}

func (s *TaskService) Update(ctx context.Context, userID, id int64, t model.Task) (model.Task, error) {
	t = normalize(t)
	if err := s.validate(t); err != nil {
		return t, err
	}

	mu := s.taskLock(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.Get(ctx, userID, id); err != nil {
		return model.Task{}, err
	}

	t.ID = id
	t.UserID = userID
	updated, err := s.repo.Update(ctx, t)
	if err != nil {
		return updated, fmt.Errorf("update task %d: %w", id, err)
	}

	s.publish(userID, model.EventTaskUpdated, updated)
	return updated, nil
}

func (s *TaskService) Delete(ctx context.Context, userID, id int64) error {
	mu := s.taskLock(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}

	s.publish(userID, model.EventTaskDeleted, deleted)
	return nil
}

// publish never fails the request; the change is already committed.
func (s *TaskService) publish(userID int64, eventType model.EventType, t model.Task) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Broadcast(userID, eventType, t); err != nil {
		s.logger.Error("broadcast failed",
			zap.Int64("user_id", userID),
			zap.String("event_type", string(eventType)),
			zap.Int64("task_id", t.ID),
			zap.Error(err),
		)
	}
}

func (s *TaskService) taskLock(id int64) *sync.Mutex {
	return &s.taskLocks[uint64(id)%lockStripes]
}

func (s *TaskService) keyLock(userID int64, key string) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", userID, key)
	return &s.keyLocks[h.Sum32()%lockStripes]
}

func normalize(t model.Task) model.Task {
	t.Title = strings.TrimSpace(t.Title)
	t.Pending = false
	return t
}

func (s *TaskService) validate(t model.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, model.PriorityLow, model.PriorityHigh)
	}
	if (t.Latitude == nil) != (t.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be set together", ErrValidation)
	}
	if t.HasLocation() {
		if !inRange(*t.Latitude, 90) || !inRange(*t.Longitude, 180) {
			return fmt.Errorf("%w: location out of range", ErrValidation)
		}
	}
	return nil
}

func inRange(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}
