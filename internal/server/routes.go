package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
// Generation and video routes require an active session.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /session", h.GetSession)
	mux.HandleFunc("POST /session/login", h.Login)
	mux.HandleFunc("POST /session/register", h.Register)
	mux.HandleFunc("POST /session/logout", h.Logout)

	authed := RequireSession(h.sessions.Session())
	protect := func(fn http.HandlerFunc) http.Handler {
		return authed(fn)
	}

	mux.Handle("GET /generations", protect(h.ListGenerations))
	mux.Handle("POST /generations", protect(h.CreateGeneration))
	mux.Handle("POST /generations/render", protect(h.RenderGeneration))
	mux.Handle("GET /generations/current", protect(h.GetCurrentGeneration))
	mux.Handle("DELETE /generations/current", protect(h.ResetGeneration))
	mux.Handle("GET /generations/{id}", protect(h.GetGeneration))

	mux.Handle("GET /videos", protect(h.ListVideos))
	mux.Handle("GET /videos/{id}/download", protect(h.DownloadVideo))
	mux.Handle("POST /videos/{id}/archive", protect(h.ArchiveVideo))
	mux.Handle("DELETE /videos/{id}", protect(h.DeleteVideo))

	// Apply middleware chain
	chain := ChainMiddleware(
		RequestIDMiddleware(),
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
