package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/auth"
	"github.com/BuzzLyutic/task-sync/internal/config"
	"github.com/BuzzLyutic/task-sync/internal/handler"
	"github.com/BuzzLyutic/task-sync/internal/realtime"
	"github.com/BuzzLyutic/task-sync/internal/repo"
	"github.com/BuzzLyutic/task-sync/internal/repo/sqlite"
	"github.com/BuzzLyutic/task-sync/internal/service"
)

type storage interface {
	repo.TaskRepository
	repo.UserRepository
}

type pgStorage struct {
	*repo.TaskRepo
	*repo.UserRepo
}

func main() {
	// Подключаем логгер
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Загрузка конфигурации
	cfg := config.Load()

	store, closer, err := openStorage(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}
	defer closer.Close()

	tokens := auth.NewManager(auth.Config{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	})

	registry := realtime.NewRegistry(tokens, logger, realtime.WithSendBuffer(cfg.SendBuffer))
	broadcaster := realtime.NewBroadcaster(registry, logger)

	taskService := service.NewTaskService(store, broadcaster, logger)
	authService := service.NewAuthService(store, tokens, logger)

	r := handler.NewRouter(handler.RouterDeps{
		Tasks:       handler.NewTaskHandler(taskService, logger),
		Auth:        handler.NewAuthHandler(authService, logger),
		WebSocket:   realtime.NewHandler(registry, logger, cfg.AllowedOrigins),
		Verifier:    tokens,
		Connections: registry,
		Logger:      logger,
	})

	// websocket connections are long-lived, so only the header read is bounded
	srv := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() { // Запуск сервера и обработка ошибок
		logger.Info("Server started", zap.String("addr", srv.Addr), zap.String("storage", cfg.StorageDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := registry.Shutdown(ctx); err != nil {
		logger.Error("Websocket shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped successfully!")
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage, io.Closer, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Opened SQLite database", zap.String("path", cfg.SQLitePath))
		return s, s, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL) // Создаем новое соединение к БД
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil { // Пытаемся пингануть БД
			pool.Close()
			return nil, nil, err
		}
		if err := repo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Successfully connected to the Database!")
		return pgStorage{repo.NewTaskRepo(pool), repo.NewUserRepo(pool)}, poolCloser{pool}, nil
	}
}

type poolCloser struct {
	pool *pgxpool.Pool
}

func (c poolCloser) Close() error {
	c.pool.Close()
	return nil
}
