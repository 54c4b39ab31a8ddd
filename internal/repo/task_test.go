package repo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/internal/repo"
	"github.com/BuzzLyutic/task-sync/internal/testutil"
)

func setupRepo(t *testing.T) (*pgxpool.Pool, *repo.TaskRepo, *repo.UserRepo) {
	t.Helper()
	pool, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	require.NoError(t, repo.Migrate(context.Background(), pool))
	testutil.TruncateTables(t, pool)
	return pool, repo.NewTaskRepo(pool), repo.NewUserRepo(pool)
}

func createUser(t *testing.T, users *repo.UserRepo, name string) model.User {
	t.Helper()
	u, err := users.CreateUser(context.Background(), model.User{Username: name, PasswordHash: "x"})
	require.NoError(t, err)
	return u
}

func TestTaskRepo_CRUD(t *testing.T) {
	_, tasks, users := setupRepo(t)
	ctx := context.Background()
	alice := createUser(t, users, "alice")

	lat, lon := 55.75, 37.61
	created, err := tasks.Create(ctx, model.Task{
		UserID:    alice.ID,
		Title:     "Buy milk",
		DueDate:   model.NewDate(2024, 5, 1),
		Priority:  model.PriorityHigh,
		Latitude:  &lat,
		Longitude: &lon,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "2024-05-01", created.DueDate.String())
	assert.Equal(t, model.PriorityHigh, created.Priority)
	assert.True(t, created.HasLocation())

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	got.Completed = true
	got.DueDate = model.Date{}
	updated, err := tasks.Update(ctx, got)
	require.NoError(t, err)
	assert.True(t, updated.Completed)
	assert.True(t, updated.DueDate.IsZero())

	deleted, err := tasks.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, deleted)

	_, err = tasks.Get(ctx, created.ID)
	assert.ErrorIs(t, err, repo.ErrorNotFound)
	_, err = tasks.Delete(ctx, created.ID)
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestTaskRepo_ListFiltersAndPages(t *testing.T) {
	_, tasks, users := setupRepo(t)
	ctx := context.Background()
	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	for i := 0; i < 12; i++ {
		_, err := tasks.Create(ctx, model.Task{
			UserID:    alice.ID,
			Title:     fmt.Sprintf("Task %d", i),
			Priority:  model.PriorityLow,
			Completed: i%2 == 0,
		})
		require.NoError(t, err)
	}
	_, err := tasks.Create(ctx, model.Task{UserID: alice.ID, Title: "Groceries", Description: "buy MILK", Priority: model.PriorityMedium})
	require.NoError(t, err)
	_, err = tasks.Create(ctx, model.Task{UserID: bob.ID, Title: "Milk for bob", Priority: model.PriorityMedium})
	require.NoError(t, err)

	page, total, err := tasks.List(ctx, alice.ID, model.TaskFilter{Take: 10})
	require.NoError(t, err)
	assert.Equal(t, 13, total)
	assert.Len(t, page, 10)
	for i := 1; i < len(page); i++ {
		assert.Less(t, page[i-1].ID, page[i].ID)
	}

	page, _, err = tasks.List(ctx, alice.ID, model.TaskFilter{Skip: 10, Take: 10})
	require.NoError(t, err)
	assert.Len(t, page, 3)

	page, total, err = tasks.List(ctx, alice.ID, model.TaskFilter{Search: "milk", Take: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, "Groceries", page[0].Title)

	done := true
	_, total, err = tasks.List(ctx, alice.ID, model.TaskFilter{Completed: &done, Take: 100})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestTaskRepo_IdempotencyKeys(t *testing.T) {
	_, tasks, users := setupRepo(t)
	ctx := context.Background()
	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	_, err := tasks.GetIdempotencyKey(ctx, alice.ID, "k1")
	assert.ErrorIs(t, err, repo.ErrorNotFound)

	require.NoError(t, tasks.SaveIdempotencyKey(ctx, alice.ID, "k1", 42))
	require.NoError(t, tasks.SaveIdempotencyKey(ctx, alice.ID, "k1", 43))

	id, err := tasks.GetIdempotencyKey(ctx, alice.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = tasks.GetIdempotencyKey(ctx, bob.ID, "k1")
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestUserRepo_DuplicateUsername(t *testing.T) {
	_, _, users := setupRepo(t)
	ctx := context.Background()
	createUser(t, users, "alice")

	_, err := users.CreateUser(ctx, model.User{Username: "alice", PasswordHash: "y"})
	assert.ErrorIs(t, err, repo.ErrorConflict)

	u, err := users.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "x", u.PasswordHash)

	_, err = users.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestTaskRepo_ConcurrentCreates(t *testing.T) {
	_, tasks, users := setupRepo(t)
	ctx := context.Background()
	alice := createUser(t, users, "alice")

	const goroutines = 10
	var wg sync.WaitGroup
	ids := make([]int64, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			created, err := tasks.Create(ctx, model.Task{UserID: alice.ID, Title: fmt.Sprintf("T%d", idx), Priority: model.PriorityLow})
			ids[idx], errs[idx] = created.ID, err
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i, err := range errs {
		require.NoError(t, err)
		assert.False(t, seen[ids[i]], "duplicate id %d", ids[i])
		seen[ids[i]] = true
	}
}
