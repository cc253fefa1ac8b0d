package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// New builds the API server. WriteTimeout sits above the router's 30s request
// timeout so timed-out handlers can still write their 504. Server-level errors
// (TLS handshakes, hijack failures) go to logger at Warn.
func New(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       90 * time.Second,
		MaxHeaderBytes:    64 << 10,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
