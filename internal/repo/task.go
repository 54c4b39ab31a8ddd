package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

var (
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("conflict")
)

const taskColumns = `id, user_id, title, description, due_date, priority, completed, photo_url, latitude, longitude`

type TaskRepo struct { // Репозиторий для работы непосредственно с БД
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo { // Конструктор
	return &TaskRepo{
		pool: pool,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t        model.Task
		dueDate  *time.Time
		priority int16
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &dueDate, &priority,
		&t.Completed, &t.PhotoURL, &t.Latitude, &t.Longitude)
	if err != nil {
		return t, err
	}
	if dueDate != nil {
		t.DueDate = model.DateOf(*dueDate)
	}
	t.Priority = model.Priority(priority)
	return t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tasks (user_id, title, description, due_date, priority, completed, photo_url, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+taskColumns,
		t.UserID, t.Title, t.Description, t.DueDate.Ptr(), int16(t.Priority), t.Completed,
		t.PhotoURL, t.Latitude, t.Longitude,
	)
	created, err := scanTask(row)
	return created, mapError(err)
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	return t, mapError(err)
}

func (r *TaskRepo) List(ctx context.Context, userID int64, filter model.TaskFilter) ([]model.Task, int, error) {
	const where = `
		WHERE user_id = $1
		  AND ($2 = '' OR strpos(lower(title), lower($2)) > 0 OR strpos(lower(description), lower($2)) > 0)
		  AND ($3::boolean IS NULL OR completed = $3)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`+where,
		userID, filter.Search, filter.Completed).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks`+where+`
		ORDER BY id
		OFFSET $4 LIMIT $5`,
		userID, filter.Search, filter.Completed, filter.Skip, filter.Take)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tasks := make([]model.Task, 0, filter.Take)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func (r *TaskRepo) Update(ctx context.Context, t model.Task) (model.Task, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, due_date = $4, priority = $5, completed = $6,
		    photo_url = $7, latitude = $8, longitude = $9
		WHERE id = $1
		RETURNING `+taskColumns,
		t.ID, t.Title, t.Description, t.DueDate.Ptr(), int16(t.Priority), t.Completed,
		t.PhotoURL, t.Latitude, t.Longitude,
	)
	updated, err := scanTask(row)
	return updated, mapError(err)
}

func (r *TaskRepo) Delete(ctx context.Context, id int64) (model.Task, error) {
	deleted, err := scanTask(r.pool.QueryRow(ctx, `DELETE FROM tasks WHERE id = $1 RETURNING `+taskColumns, id))
	return deleted, mapError(err)
}

func (r *TaskRepo) SaveIdempotencyKey(ctx context.Context, userID int64, key string, resourceID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, resource_id) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, resourceID)
	return err
}

func (r *TaskRepo) GetIdempotencyKey(ctx context.Context, userID int64, key string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT resource_id FROM idempotency_keys WHERE user_id = $1 AND key = $2
	`, userID, key).Scan(&id)
	return id, mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrorNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrorConflict
	}
	return err
}
