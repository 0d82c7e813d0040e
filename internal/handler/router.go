package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wrenfield/sage/backend/internal/handler/session"
	middlewarePkg "github.com/wrenfield/sage/backend/internal/middleware"
	"github.com/wrenfield/sage/backend/internal/service/assistant"
)

// NewRouter wires HTTP routes to the session registry.
func NewRouter(registry *assistant.Registry, storageDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(registry, storageDir)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
	})

	return r
}
