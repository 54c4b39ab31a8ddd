package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

func TestClient_LoginAndAuthorizedCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth/login":
			var creds model.Credentials
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "alice", creds.Username)
			json.NewEncoder(w).Encode(model.TokenResponse{Token: "tok"})
		case r.URL.Path == "/api/tasks" && r.Method == http.MethodGet:
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "10", r.URL.Query().Get("skip"))
			assert.Equal(t, "5", r.URL.Query().Get("take"))
			assert.Equal(t, "milk", r.URL.Query().Get("searchQuery"))
			assert.Equal(t, "true", r.URL.Query().Get("completed"))
			json.NewEncoder(w).Encode(model.TaskPage{Tasks: []model.Task{{ID: 1, Title: "Buy milk"}}, TotalTasks: 11})
		case r.URL.Path == "/api/tasks" && r.Method == http.MethodPost:
			assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
			var task map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
			assert.EqualValues(t, 0, task["id"])
			assert.NotContains(t, task, "pending")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(model.Task{ID: 7, Title: "Buy milk"})
		case r.URL.Path == "/api/tasks/7" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	token, err := c.Login(ctx, model.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "tok", c.Token())

	done := true
	page, err := c.ListTasks(ctx, model.TaskFilter{Skip: 10, Take: 5, Search: "milk", Completed: &done})
	require.NoError(t, err)
	assert.Equal(t, 11, page.TotalTasks)

	created, err := c.CreateTask(ctx, model.Task{ID: -1, Title: "Buy milk", Pending: true}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), created.ID)

	require.NoError(t, c.DeleteTask(ctx, 7))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		code      int
		want      error
		retryable bool
	}{
		{code: http.StatusUnauthorized, want: ErrUnauthorized},
		{code: http.StatusForbidden, want: ErrForbidden},
		{code: http.StatusNotFound, want: ErrNotFound},
		{code: http.StatusConflict, want: ErrConflict},
		{code: http.StatusBadRequest, want: ErrBadRequest},
		{code: http.StatusBadGateway, want: ErrServer, retryable: true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).GetTask(context.Background(), 1)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second)
	err := c.Health(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsRetryable(err))
}

func TestClient_WebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", NewClient("http://localhost:8080", 0).WebSocketURL())
	assert.Equal(t, "wss://sync.example.com/ws", NewClient("https://sync.example.com/", 0).WebSocketURL())
}
