package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the admin API router
func Router(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/stats", handlers.handleStats)
	r.Post("/flush", handlers.handleFlush)
	r.Get("/sinks", handlers.handleSinks)

	r.Route("/listeners", func(r chi.Router) {
		r.Get("/", handlers.handleListeners)
		r.Get("/{id}", handlers.handleListener)
		r.Delete("/{id}", handlers.handleRemoveListener)
	})

	r.Route("/entries", func(r chi.Router) {
		r.Get("/", handlers.handleEntries)
		r.Get("/{key}", handlers.handleEntry)
	})

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", handlers.handleDeadLetters)
		r.Get("/{key}", handlers.handleDeadLetter)
		r.Post("/{key}/requeue", handlers.handleRequeue)
		r.Delete("/{key}", handlers.handleDiscard)
	})

	return r
}

// RegisterRoutes mounts the admin router under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := Router(handlers, secret)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
