package sqlite

import (
	"context"
	"time"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

func (s *Storage) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	u.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)
	`, u.Username, u.PasswordHash, u.CreatedAt.Unix())
	if err != nil {
		return model.User{}, mapError(err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Storage) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var (
		u       model.User
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if err != nil {
		return model.User{}, mapError(err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}
