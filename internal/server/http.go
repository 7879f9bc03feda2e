package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	maxHeaderBytes    = 1 << 20 // 1 MB
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// HTTPServer wraps an *http.Server for the status/control API.
type HTTPServer struct {
	httpServer *http.Server
}

// NewHTTPServer builds the API server. The websocket stream keeps
// connections open, so no write timeout is set.
func NewHTTPServer(addr string, port int, handler http.Handler) *HTTPServer {
	return &HTTPServer{httpServer: &http.Server{
		Addr:              JoinAddr(addr, port),
		Handler:           handler,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}}
}

// JoinAddr turns a bind address and port into a listen address. An empty
// address listens on all interfaces.
func JoinAddr(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Addr is the configured listen address.
func (s *HTTPServer) Addr() string { return s.httpServer.Addr }

// ListenAndServe blocks until the server stops. A regular shutdown returns nil.
func (s *HTTPServer) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, allowing in-flight requests to complete.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close shuts down with a bounded grace period.
func (s *HTTPServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
