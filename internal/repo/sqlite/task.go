package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

const taskColumns = `id, user_id, title, description, due_date, priority, completed, photo_url, latitude, longitude`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t         model.Task
		dueDate   sql.NullString
		photoURL  sql.NullString
		latitude  sql.NullFloat64
		longitude sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &dueDate, &t.Priority,
		&t.Completed, &photoURL, &latitude, &longitude)
	if err != nil {
		return t, err
	}
	if dueDate.Valid {
		if t.DueDate, err = model.ParseDate(dueDate.String); err != nil {
			return t, fmt.Errorf("task %d: %w", t.ID, err)
		}
	}
	if photoURL.Valid {
		t.PhotoURL = &photoURL.String
	}
	if latitude.Valid {
		t.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		t.Longitude = &longitude.Float64
	}
	return t, nil
}

func nullDate(d model.Date) sql.NullString {
	return sql.NullString{String: d.String(), Valid: !d.IsZero()}
}

func (s *Storage) Create(ctx context.Context, t model.Task) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (user_id, title, description, due_date, priority, completed, photo_url, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+taskColumns,
		t.UserID, t.Title, t.Description, nullDate(t.DueDate), int(t.Priority), t.Completed,
		t.PhotoURL, t.Latitude, t.Longitude,
	)
	created, err := scanTask(row)
	return created, mapError(err)
}

func (s *Storage) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	return t, mapError(err)
}

func (s *Storage) List(ctx context.Context, userID int64, filter model.TaskFilter) ([]model.Task, int, error) {
	const where = `
		WHERE user_id = ?1
		  AND (?2 = '' OR instr(lower(title), lower(?2)) > 0 OR instr(lower(description), lower(?2)) > 0)
		  AND (?3 IS NULL OR completed = ?3)`

	var completed sql.NullBool
	if filter.Completed != nil {
		completed = sql.NullBool{Bool: *filter.Completed, Valid: true}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks`+where,
		userID, filter.Search, completed).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+`
		ORDER BY id
		LIMIT ?5 OFFSET ?4`,
		userID, filter.Search, completed, filter.Skip, filter.Take)
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

func (s *Storage) Update(ctx context.Context, t model.Task) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, due_date = ?, priority = ?, completed = ?,
		    photo_url = ?, latitude = ?, longitude = ?
		WHERE id = ?
		RETURNING `+taskColumns,
		t.Title, t.Description, nullDate(t.DueDate), int(t.Priority), t.Completed,
		t.PhotoURL, t.Latitude, t.Longitude, t.ID,
	)
	updated, err := scanTask(row)
	return updated, mapError(err)
}

func (s *Storage) Delete(ctx context.Context, id int64) (model.Task, error) {
	deleted, err := scanTask(s.db.QueryRowContext(ctx, `DELETE FROM tasks WHERE id = ? RETURNING `+taskColumns, id))
	return deleted, mapError(err)
}

func (s *Storage) SaveIdempotencyKey(ctx context.Context, userID int64, key string, resourceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, key, resource_id, created_at) VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, resourceID)
	return err
}

func (s *Storage) GetIdempotencyKey(ctx context.Context, userID int64, key string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_id FROM idempotency_keys WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&id)
	return id, mapError(err)
}
