package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/relay/internal/logger"
)

// CreateServer creates an HTTP server for addr. There is no write timeout:
// hijacked websocket connections manage their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server, log *logger.Logger) error {
	log.Info("Server listening", logger.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting requests and waits for in-flight ones. It
// does not touch websocket connections; the hub closes those.
func ShutdownServer(server *http.Server, timeout time.Duration, log *logger.Logger) error {
	log.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", logger.Error(err))
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
