package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server hosts the HTTP API and stream endpoints.
type Server struct {
	bind       string
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a server bound to bind once Start is called.
func NewServer(bind string, handler http.Handler) *Server {
	return &Server{
		bind: bind,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in the background. It returns once the listener is
// bound, so a bad address fails fast instead of inside the serve goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.bind, err)
	}
	s.listener = listener

	log.Info().
		Str("address", s.bind).
		Msg("Starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Addr returns the bound address, useful when bind used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	log.Info().Msg("Stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
}
