package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/geosafe/internal/app"
)

const (
	readTimeout = 15 * time.Second
	// report downloads and layer archives stream for longer than the API calls
	writeTimeout = 5 * time.Minute
	idleTimeout  = 60 * time.Second
	drainTimeout = 10 * time.Second
)

// Server serves the GeoSAFE HTTP API and status streams
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New builds the routed server for an application
func New(application *app.App) *Server {
	s := &Server{app: application}
	s.router = s.setupRoutes()
	s.server = &http.Server{
		Addr:         net.JoinHostPort(application.Config.Server.Host, fmt.Sprint(application.Config.Server.Port)),
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr is the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Run listens until ctx is cancelled, then drains open requests. Request
// contexts derive from ctx so status streams end with it.
func (s *Server) Run(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	serveErr := make(chan error, 1)
	go func() {
		s.app.Logger.Info().Str("address", s.server.Addr).Msg("HTTP server starting")
		serveErr <- s.server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.app.Logger.Info().Msg("Shutting down HTTP server")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
