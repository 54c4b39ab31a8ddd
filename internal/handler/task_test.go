package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/auth"
	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/internal/realtime"
	"github.com/BuzzLyutic/task-sync/internal/repo/sqlite"
	"github.com/BuzzLyutic/task-sync/internal/service"
)

type testEnv struct {
	tasks    *TaskHandler
	auth     *AuthHandler
	store    *sqlite.Storage
	tokens   *auth.Manager
	registry *realtime.Registry
	router   http.Handler
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens := auth.NewManager(auth.Config{Secret: []byte("test"), Issuer: "test", Audience: "test", TTL: time.Hour})
	registry := realtime.NewRegistry(tokens, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	taskService := service.NewTaskService(store, realtime.NewBroadcaster(registry, logger), logger)
	authService := service.NewAuthService(store, tokens, logger)

	env := &testEnv{
		tasks:    NewTaskHandler(taskService, logger),
		auth:     NewAuthHandler(authService, logger),
		store:    store,
		tokens:   tokens,
		registry: registry,
	}
	env.router = NewRouter(RouterDeps{
		Tasks:       env.tasks,
		Auth:        env.auth,
		WebSocket:   realtime.NewHandler(registry, logger, []string{"*"}),
		Verifier:    tokens,
		Connections: registry,
		Logger:      logger,
	})
	return env
}

func (e *testEnv) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), model.User{Username: name, PasswordHash: "x"})
	require.NoError(t, err)
	return u.ID
}

func withUser(req *http.Request, userID int64) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), userID))
}

func withID(req *http.Request, id int64) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", fmt.Sprintf("%d", id))
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func createTask(t *testing.T, e *testEnv, userID int64, task model.Task) model.Task {
	t.Helper()
	body, _ := json.Marshal(task)
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)), userID)
	w := httptest.NewRecorder()
	e.tasks.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created model.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	return created
}

func TestTaskHandler_Create(t *testing.T) {
	env := setupHandler(t)
	alice := env.user(t, "alice")

	tests := []struct {
		name          string
		body          interface{}
		idempKey      string
		wantCode      int
		checkResponse func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:     "successful creation",
			body:     model.Task{Title: "Test Task", Priority: model.PriorityMedium, DueDate: model.NewDate(2024, 5, 1)},
			wantCode: http.StatusCreated,
			checkResponse: func(t *testing.T, w *httptest.ResponseRecorder) {
				var task model.Task
				json.NewDecoder(w.Body).Decode(&task)
				assert.NotZero(t, task.ID)
				assert.Equal(t, "Test Task", task.Title)
				assert.Equal(t, "2024-05-01", task.DueDate.String())
				assert.Equal(t, fmt.Sprintf("/api/tasks/%d", task.ID), w.Header().Get("Location"))
			},
		},
		{
			name:     "empty body",
			body:     nil,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "validation error",
			body:     model.Task{Title: "", Priority: model.PriorityLow},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "priority out of range",
			body:     map[string]any{"title": "x", "priority": 9},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "with idempotency key",
			body:     model.Task{Title: "Idempotent Task", Priority: model.PriorityHigh},
			idempKey: "test-key-123",
			wantCode: http.StatusCreated,
			checkResponse: func(t *testing.T, w *httptest.ResponseRecorder) {
				// Send again with same key
				body, _ := json.Marshal(model.Task{Title: "Idempotent Task", Priority: model.PriorityHigh})
				req := withUser(httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)), alice)
				req.Header.Set("Idempotency-Key", "test-key-123")

				w2 := httptest.NewRecorder()
				env.tasks.Create(w2, req)

				var task1, task2 model.Task
				json.NewDecoder(w.Body).Decode(&task1)
				json.NewDecoder(w2.Body).Decode(&task2)

				assert.Equal(t, task1.ID, task2.ID, "should return same task")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body []byte
			if tt.body != nil {
				body, _ = json.Marshal(tt.body)
			}

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)), alice)
			req.Header.Set("Content-Type", "application/json")
			if tt.idempKey != "" {
				req.Header.Set("Idempotency-Key", tt.idempKey)
			}

			w := httptest.NewRecorder()
			env.tasks.Create(w, req)

			assert.Equal(t, tt.wantCode, w.Code)

			if tt.checkResponse != nil {
				tt.checkResponse(t, w)
			}
		})
	}
}

func TestTaskHandler_Get(t *testing.T) {
	env := setupHandler(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	created := createTask(t, env, alice, model.Task{Title: "Get Test", Priority: model.PriorityLow})

	t.Run("get existing task", func(t *testing.T) {
		req := withID(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil), created.ID)
		w := httptest.NewRecorder()
		env.tasks.Get(w, withUser(req, alice))

		assert.Equal(t, http.StatusOK, w.Code)
		var task model.Task
		json.NewDecoder(w.Body).Decode(&task)
		assert.Equal(t, created.ID, task.ID)
	})

	t.Run("foreign task", func(t *testing.T) {
		req := withID(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil), created.ID)
		w := httptest.NewRecorder()
		env.tasks.Get(w, withUser(req, bob))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("get non-existing task", func(t *testing.T) {
		req := withID(httptest.NewRequest(http.MethodGet, "/api/tasks/99999", nil), 99999)
		w := httptest.NewRecorder()
		env.tasks.Get(w, withUser(req, alice))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTaskHandler_List(t *testing.T) {
	env := setupHandler(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	for i := 0; i < 12; i++ {
		createTask(t, env, alice, model.Task{Title: fmt.Sprintf("Task %d", i), Priority: model.PriorityLow, Completed: i%3 == 0})
	}
	createTask(t, env, alice, model.Task{Title: "Shopping", Description: "milk", Priority: model.PriorityHigh})
	createTask(t, env, bob, model.Task{Title: "Bob's milk", Priority: model.PriorityHigh})

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLen   int
		wantTotal int
	}{
		{name: "default page", query: "", wantCode: http.StatusOK, wantLen: 10, wantTotal: 13},
		{name: "skip and take", query: "?skip=10&take=5", wantCode: http.StatusOK, wantLen: 3, wantTotal: 13},
		{name: "search", query: "?searchQuery=MILK", wantCode: http.StatusOK, wantLen: 1, wantTotal: 1},
		{name: "completed", query: "?completed=true&take=100", wantCode: http.StatusOK, wantLen: 4, wantTotal: 4},
		{name: "bad take", query: "?take=abc", wantCode: http.StatusBadRequest},
		{name: "bad completed", query: "?completed=maybe", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withUser(httptest.NewRequest(http.MethodGet, "/api/tasks"+tt.query, nil), alice)
			w := httptest.NewRecorder()
			env.tasks.List(w, req)

			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var page model.TaskPage
			require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
			assert.Len(t, page.Tasks, tt.wantLen)
			assert.Equal(t, tt.wantTotal, page.TotalTasks)
		})
	}
}

func TestTaskHandler_Update(t *testing.T) {
	env := setupHandler(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	created := createTask(t, env, alice, model.Task{Title: "Original", Priority: model.PriorityLow})

	update := func(userID, id int64, body interface{}) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/tasks/%d", id), bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		env.tasks.Update(w, withUser(withID(req, id), userID))
		return w
	}

	t.Run("successful update", func(t *testing.T) {
		w := update(alice, created.ID, model.Task{Title: "Updated", Priority: model.PriorityHigh, Completed: true})
		assert.Equal(t, http.StatusOK, w.Code)

		var updated model.Task
		json.NewDecoder(w.Body).Decode(&updated)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, "Updated", updated.Title)
		assert.Equal(t, model.PriorityHigh, updated.Priority)
		assert.True(t, updated.Completed)
	})

	t.Run("foreign task", func(t *testing.T) {
		w := update(bob, created.ID, model.Task{Title: "Hijack", Priority: model.PriorityLow})
		assert.Equal(t, http.StatusForbidden, w.Code)

		got, err := env.store.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Updated", got.Title)
	})

	t.Run("missing task", func(t *testing.T) {
		w := update(alice, 4242, model.Task{Title: "x", Priority: model.PriorityLow})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		w := update(alice, created.ID, model.Task{Title: "", Priority: model.PriorityLow})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTaskHandler_Delete(t *testing.T) {
	env := setupHandler(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	created := createTask(t, env, alice, model.Task{Title: "To Delete", Priority: model.PriorityLow})

	del := func(userID, id int64) int {
		req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil)
		w := httptest.NewRecorder()
		env.tasks.Delete(w, withUser(withID(req, id), userID))
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, del(bob, created.ID))
	assert.Equal(t, http.StatusNoContent, del(alice, created.ID))
	assert.Equal(t, http.StatusNotFound, del(alice, created.ID))
}

func TestTaskHandler_InvalidID(t *testing.T) {
	env := setupHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/abc", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "abc")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	env.tasks.Get(w, withUser(req, 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_MissingUser(t *testing.T) {
	env := setupHandler(t)
	w := httptest.NewRecorder()
	env.tasks.List(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
