package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/api"
	"github.com/BuzzLyutic/task-sync/internal/client/connectivity"
	"github.com/BuzzLyutic/task-sync/internal/client/queue"
	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/client/storage/boltdb"
	"github.com/BuzzLyutic/task-sync/internal/client/store"
	"github.com/BuzzLyutic/task-sync/internal/client/tasks"
)

const (
	keyServer          = "server"
	keyDB              = "db"
	keyUsername        = "username"
	keyVerbose         = "verbose"
	keyProbeInterval   = "probe-interval"
	keyRefreshInterval = "refresh-interval"
	keyHTTPTimeout     = "http-timeout"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Offline-first task list client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(keyServer, "http://localhost:8080", "server base URL")
	flags.String(keyDB, defaultDBPath(), "local database file")
	flags.String(keyUsername, "", "username for register/login")
	flags.BoolP(keyVerbose, "v", false, "enable debug logging")
	flags.Duration(keyProbeInterval, 15*time.Second, "connectivity probe interval for watch")
	flags.Duration(keyRefreshInterval, time.Minute, "full sync interval for watch")
	flags.Duration(keyHTTPTimeout, 15*time.Second, "HTTP request timeout")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		registerCmd(v),
		loginCmd(v),
		logoutCmd(v),
		listCmd(v),
		addCmd(v),
		updateCmd(v),
		completeCmd(v),
		deleteCmd(v),
		syncCmd(v),
		statusCmd(v),
		watchCmd(v),
	)
	return root
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tasksync.db"
	}
	return filepath.Join(home, ".tasksync", "client.db")
}

// app holds the client components for one command invocation.
type app struct {
	logger  *zap.Logger
	db      *boltdb.Storage
	api     *api.Client
	auth    storage.AuthData
	store   *store.Store
	queue   *queue.Queue
	monitor *connectivity.Monitor
	tasks   *tasks.Service
}

func openApp(ctx context.Context, v *viper.Viper) (*app, error) {
	logger := zap.NewNop()
	if v.GetBool(keyVerbose) {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	path := v.GetString(keyDB)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := boltdb.New(ctx, path)
	if err != nil {
		return nil, err
	}

	serverURL := v.GetString(keyServer)
	saved, err := db.GetAuth(ctx)
	switch {
	case err == nil:
		if !v.IsSet(keyServer) && saved.ServerURL != "" {
			serverURL = saved.ServerURL
		}
	case errors.Is(err, storage.ErrAuthNotFound):
	default:
		db.Close()
		return nil, err
	}

	client := api.NewClient(serverURL, v.GetDuration(keyHTTPTimeout))
	client.SetToken(saved.Token)

	st := store.New(db, logger)
	q := queue.New(db, client, st, logger)
	monitor := connectivity.NewMonitor(client, logger)

	return &app{
		logger:  logger,
		db:      db,
		api:     client,
		auth:    saved,
		store:   st,
		queue:   q,
		monitor: monitor,
		tasks:   tasks.NewService(st, q, client, monitor, logger),
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	if err := a.db.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close database:", err)
	}
}

func (a *app) requireLogin() error {
	if a.auth.Token == "" {
		return errors.New("not logged in, run `tasksync login` first")
	}
	return nil
}

// withApp opens the client for a command and closes it afterwards.
func withApp(v *viper.Viper, loggedIn bool, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), v)
		if err != nil {
			return err
		}
		defer a.Close()
		if loggedIn {
			if err := a.requireLogin(); err != nil {
				return err
			}
		}
		return fn(cmd, a, args)
	}
}
