package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/auth"
	"github.com/BuzzLyutic/task-sync/pkg/respond"
)

// ConnectionCounter reports the number of live websocket connections.
type ConnectionCounter interface {
	Len() int
}

type RouterDeps struct {
	Tasks       *TaskHandler
	Auth        *AuthHandler
	WebSocket   http.Handler
	Verifier    auth.Verifier
	Connections ConnectionCounter
	Logger      *zap.Logger
}

func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, r, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": d.Connections.Len(),
		})
	})

	// the websocket handler hijacks the connection, keep it out of the access log wrapper
	r.Handle("/ws", d.WebSocket)

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(d.Logger))

		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/register", d.Auth.Register)
			r.Post("/login", d.Auth.Login)
		})

		r.Route("/api/tasks", func(r chi.Router) {
			r.Use(auth.Middleware(d.Verifier, d.Logger))
			r.Get("/", d.Tasks.List)
			r.Post("/", d.Tasks.Create)
			r.Get("/{id}", d.Tasks.Get)
			r.Put("/{id}", d.Tasks.Update)
			r.Delete("/{id}", d.Tasks.Delete)
		})
	})

	return r
}
