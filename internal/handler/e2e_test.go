package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

type e2eClient struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func (c *e2eClient) do(method, path string, body interface{}) *http.Response {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.server.URL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signUp(t *testing.T, srv *httptest.Server, username string) *e2eClient {
	t.Helper()
	c := &e2eClient{t: t, server: srv}
	creds := model.Credentials{Username: username, Password: "password1"}

	resp := c.do(http.MethodPost, "/api/auth/register", creds)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/login", creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.Token)
	c.token = tok.Token
	return c
}

func (c *e2eClient) openSocket() *websocket.Conn {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(c.server.URL, "http")+"/ws", nil)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { conn.CloseNow() })

	hs, _ := json.Marshal(model.Handshake{Token: c.token})
	require.NoError(c.t, conn.Write(ctx, websocket.MessageText, hs))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.SyncEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev model.SyncEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, data, err := conn.Read(ctx)
	assert.Error(t, err, "unexpected frame %s", data)
}

func TestE2E_BroadcastToOwnerConnections(t *testing.T) {
	env := setupHandler(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	alice := signUp(t, server, "alice")
	bob := signUp(t, server, "bob")

	for i := 1; i <= 6; i++ {
		resp := alice.do(http.MethodPost, "/api/tasks", model.Task{Title: fmt.Sprintf("Seed %d", i), Priority: model.PriorityLow})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	a1, a2 := alice.openSocket(), alice.openSocket()
	b1, b2 := bob.openSocket(), bob.openSocket()
	require.Eventually(t, func() bool { return env.registry.Len() == 4 }, 2*time.Second, 10*time.Millisecond)

	t.Run("health reports connections", func(t *testing.T) {
		resp := alice.do(http.MethodGet, "/health", nil)
		var health map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "ok", health["status"])
		assert.Equal(t, float64(4), health["connections"])
	})

	var created model.Task
	t.Run("create reaches only the owner", func(t *testing.T) {
		resp := alice.do(http.MethodPost, "/api/tasks", model.Task{Title: "Buy milk", Priority: model.PriorityLow})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
		assert.Equal(t, int64(7), created.ID)

		for _, conn := range []*websocket.Conn{a1, a2} {
			ev := readEvent(t, conn)
			assert.Equal(t, model.EventTaskAdded, ev.EventType)
			assert.Equal(t, int64(7), ev.Payload.Task.ID)
			assert.Equal(t, "Buy milk", ev.Payload.Task.Title)
		}
		expectSilence(t, b1)
		expectSilence(t, b2)
	})

	t.Run("update and delete follow in commit order", func(t *testing.T) {
		created.Completed = true
		resp := alice.do(http.MethodPut, fmt.Sprintf("/api/tasks/%d", created.ID), created)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = alice.do(http.MethodDelete, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		for _, conn := range []*websocket.Conn{a1, a2} {
			ev := readEvent(t, conn)
			assert.Equal(t, model.EventTaskUpdated, ev.EventType)
			assert.True(t, ev.Payload.Task.Completed)

			ev = readEvent(t, conn)
			assert.Equal(t, model.EventTaskDeleted, ev.EventType)
			assert.Equal(t, created.ID, ev.Payload.Task.ID)
		}
	})

	t.Run("bob cannot touch alice's task", func(t *testing.T) {
		resp := bob.do(http.MethodGet, "/api/tasks/1", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestE2E_AuthFlow(t *testing.T) {
	env := setupHandler(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	anon := &e2eClient{t: t, server: server}
	resp := anon.do(http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	signUp(t, server, "carol")

	resp = anon.do(http.MethodPost, "/api/auth/register", model.Credentials{Username: "carol", Password: "password1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = anon.do(http.MethodPost, "/api/auth/login", model.Credentials{Username: "carol", Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = anon.do(http.MethodPost, "/api/auth/register", model.Credentials{Username: "dave", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
