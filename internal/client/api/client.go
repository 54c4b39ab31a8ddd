// Package api is the HTTP client for the task-sync server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrServer       = errors.New("server error")
	// ErrTransport wraps failures where no response was received.
	ErrTransport = errors.New("transport failure")
)

// IsRetryable reports whether the request may succeed if sent again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServer)
}

type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// WebSocketURL returns the ws:// or wss:// address of the event stream.
func (c *Client) WebSocketURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	default:
		return c.baseURL + "/ws"
	}
}

func (c *Client) Register(ctx context.Context, creds model.Credentials) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/auth/register", nil, creds, nil); err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	return nil
}

// Login stores the returned token for subsequent calls.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (string, error) {
	var resp model.TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", nil, creds, &resp); err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

func (c *Client) ListTasks(ctx context.Context, filter model.TaskFilter) (model.TaskPage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(filter.Skip))
	if filter.Take > 0 {
		q.Set("take", strconv.Itoa(filter.Take))
	}
	if filter.Search != "" {
		q.Set("searchQuery", filter.Search)
	}
	if filter.Completed != nil {
		q.Set("completed", strconv.FormatBool(*filter.Completed))
	}

	var page model.TaskPage
	if err := c.doRequest(ctx, http.MethodGet, "/api/tasks?"+q.Encode(), nil, nil, &page); err != nil {
		return page, fmt.Errorf("list tasks: %w", err)
	}
	return page, nil
}

func (c *Client) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	if err := c.doRequest(ctx, http.MethodGet, taskPath(id), nil, nil, &t); err != nil {
		return t, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// CreateTask sends task without its client-side id. A non-empty idempKey
// makes a retried create return the task created by the first attempt.
func (c *Client) CreateTask(ctx context.Context, task model.Task, idempKey string) (model.Task, error) {
	task.ID = 0
	task.Pending = false

	var header http.Header
	if idempKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempKey}}
	}

	var created model.Task
	if err := c.doRequest(ctx, http.MethodPost, "/api/tasks", header, task, &created); err != nil {
		return created, fmt.Errorf("create task: %w", err)
	}
	return created, nil
}

func (c *Client) UpdateTask(ctx context.Context, task model.Task) (model.Task, error) {
	task.Pending = false

	var updated model.Task
	if err := c.doRequest(ctx, http.MethodPut, taskPath(task.ID), nil, task, &updated); err != nil {
		return updated, fmt.Errorf("update task %d: %w", task.ID, err)
	}
	return updated, nil
}

func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	if err := c.doRequest(ctx, http.MethodDelete, taskPath(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// Health is used as the connectivity probe.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func taskPath(id int64) string {
	return "/api/tasks/" + strconv.FormatInt(id, 10)
}

type errorResponse struct {
	Error string `json:"error"`
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, header http.Header, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return fmt.Errorf("%w (%d): %s", statusError(resp.StatusCode), resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}
