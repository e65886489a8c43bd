package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/relay/internal/auth"
)

// SetupRoutes returns the relay's HTTP handler. login may be nil, in which
// case the GitHub login endpoints are not mounted.
func SetupRoutes(h *Hub, login *auth.GitHubLogin) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewares(h.opts)...)

	r.Get("/", h.StatusHandler)
	r.Get("/status", h.StatusHandler)
	r.HandleFunc("/ws", h.WebSocketHandler)
	r.Method(http.MethodGet, "/metrics", h.Metrics().Handler())

	if login != nil {
		r.Get("/auth/start", login.Start)
		r.Get("/auth/callback", login.Callback)
	}
	return r
}

// middlewares lists the handlers every request passes through. Forwarded
// client addresses are honoured only when TrustProxy is set.
func middlewares(opts Options) []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	if opts.TrustProxy {
		mws = append(mws, middleware.RealIP)
	}
	return append(mws, middleware.Recoverer)
}
