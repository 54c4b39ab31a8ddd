package repo

import (
	"context"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

// TaskRepository определяет интерфейс для работы с задачами
type TaskRepository interface {
	Create(ctx context.Context, t model.Task) (model.Task, error)
	Get(ctx context.Context, id int64) (model.Task, error)
	// List returns one page of the user's tasks ordered by id, plus the
	// number of tasks matching the filter across all pages.
	List(ctx context.Context, userID int64, filter model.TaskFilter) ([]model.Task, int, error)
	Update(ctx context.Context, t model.Task) (model.Task, error)
	// Delete removes the task and returns the deleted row.
	Delete(ctx context.Context, id int64) (model.Task, error)
	SaveIdempotencyKey(ctx context.Context, userID int64, key string, resourceID int64) error
	GetIdempotencyKey(ctx context.Context, userID int64, key string) (int64, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
}
