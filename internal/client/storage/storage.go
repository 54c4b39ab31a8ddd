// Package storage defines the durable client-side state: the local task
// snapshot, the offline mutation log and the saved login.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

var (
	// ErrTaskNotFound indicates that the task is not in the local snapshot
	ErrTaskNotFound = errors.New("task not found")

	// ErrAuthNotFound indicates that no login has been saved
	ErrAuthNotFound = errors.New("authentication data not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)

// TaskStorage persists the local copy of the user's tasks.
type TaskStorage interface {
	// GetTask returns ErrTaskNotFound if id is unknown.
	GetTask(ctx context.Context, id int64) (model.Task, error)

	// ListTasks returns every task ordered by id. Temporary (negative) ids
	// sort first.
	ListTasks(ctx context.Context) ([]model.Task, error)

	PutTask(ctx context.Context, t model.Task) error

	// DeleteTask reports whether a record was removed.
	DeleteTask(ctx context.Context, id int64) (bool, error)

	// ReplaceTask removes oldID and writes t in one transaction.
	ReplaceTask(ctx context.Context, oldID int64, t model.Task) error

	// ReplaceAll makes tasks the new content. Existing records for which
	// keep returns true survive and win over an incoming task with the same id.
	ReplaceAll(ctx context.Context, tasks []model.Task, keep func(model.Task) bool) error

	// NextLocalID returns a fresh negative id for a task created offline.
	NextLocalID(ctx context.Context) (int64, error)
}

// QueueStorage persists the offline mutation log in FIFO order.
type QueueStorage interface {
	// AppendMutation assigns the next sequence number and stores m. An entry
	// for a temporary id whose create was already confirmed is stored under
	// the server id.
	AppendMutation(ctx context.Context, m model.QueuedMutation) (model.QueuedMutation, error)

	// ListMutations returns all entries ordered by Seq.
	ListMutations(ctx context.Context) ([]model.QueuedMutation, error)

	// CompleteMutation removes the entry seq. When fromID != toID every
	// remaining entry targeting fromID is pointed at toID in the same
	// transaction, and later appends for fromID are redirected to toID.
	CompleteMutation(ctx context.Context, seq uint64, fromID, toID int64) error

	CountMutations(ctx context.Context) (int, error)
}

// AuthStorage keeps the login between CLI invocations.
type AuthStorage interface {
	SaveAuth(ctx context.Context, auth AuthData) error

	// GetAuth returns ErrAuthNotFound if nobody is logged in.
	GetAuth(ctx context.Context) (AuthData, error)

	DeleteAuth(ctx context.Context) error
}

type AuthData struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ServerURL string    `json:"server_url"`
	SavedAt   time.Time `json:"saved_at"`
}
