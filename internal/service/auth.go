package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/auth"
	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/internal/repo"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 72 // bcrypt input limit
	maxUsernameLen = 64
)

type TokenIssuer interface {
	Issue(userID int64, username string) (string, error)
}

type AuthService struct {
	users  repo.UserRepository
	tokens TokenIssuer
	logger *zap.Logger
}

func NewAuthService(users repo.UserRepository, tokens TokenIssuer, logger *zap.Logger) *AuthService {
	return &AuthService{users: users, tokens: tokens, logger: logger}
}

// Register returns repo.ErrorConflict when the username is taken.
func (s *AuthService) Register(ctx context.Context, creds model.Credentials) (model.User, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" || len(username) > maxUsernameLen {
		return model.User{}, fmt.Errorf("%w: username must be 1-%d characters", ErrValidation, maxUsernameLen)
	}
	if len(creds.Password) < minPasswordLen || len(creds.Password) > maxPasswordLen {
		return model.User{}, fmt.Errorf("%w: password must be %d-%d characters", ErrValidation, minPasswordLen, maxPasswordLen)
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		return model.User{}, err
	}

	user, err := s.users.CreateUser(ctx, model.User{Username: username, PasswordHash: hash})
	if err != nil {
		return model.User{}, err
	}
	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Login returns a signed token, or ErrUnauthorized for unknown users and
// wrong passwords alike.
func (s *AuthService) Login(ctx context.Context, creds model.Credentials) (string, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(creds.Username))
	if err != nil {
		if errors.Is(err, repo.ErrorNotFound) {
			return "", ErrUnauthorized
		}
		return "", err
	}

	if err := auth.CheckPassword(user.PasswordHash, creds.Password); err != nil {
		return "", ErrUnauthorized
	}

	return s.tokens.Issue(user.ID, user.Username)
}
