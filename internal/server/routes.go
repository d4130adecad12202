// Package server wires HTTP handlers into a chi router for the TeamChat
// application.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes configures and returns the router with all application endpoints:
// health check, WebSocket endpoint, and the room API.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.HandleHealth)
	r.Get("/ws", g.HandleWebSocket)

	r.Route("/api", func(api chi.Router) {
		api.Post("/rooms", g.HandleCreateRoom)
		api.Get("/rooms/{name}", g.HandleGetRoom)
	})

	return r
}
