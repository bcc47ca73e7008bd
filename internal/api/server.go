package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
)

// ServerOptions configures the HTTP server in front of the hub.
type ServerOptions struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	TLSConfig         *tls.Config
	Logger            zerolog.Logger
}

// Server owns the HTTP listener and the hub behind it.
type Server struct {
	server    *http.Server
	hub       *hub.Hub
	logger    zerolog.Logger
	mutex     sync.RWMutex
	isRunning bool
	listener  net.Listener
	errs      chan error
}

// NewServer wraps handler in an http.Server. Write timeouts are left unset because
// WebSocket and SSE responses are long lived.
func NewServer(h *hub.Hub, handler http.Handler, options ServerOptions) *Server {
	addr := options.Addr
	if addr == "" {
		addr = ":8080"
	}
	readHeader := options.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	idle := options.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	return &Server{
		hub:    h,
		logger: options.Logger,
		errs:   make(chan error, 1),
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeader,
			IdleTimeout:       idle,
			TLSConfig:         options.TLSConfig,
		},
	}
}

// Start binds the listener and serves in the background. The bound address is
// available from Addr once Start returns.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.mutex.Unlock()

		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server stopped unexpectedly")
			s.errs <- err
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts down with a
// 30 second grace period.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-s.errs:
		_ = s.hub.Close()

		return err
	}

	s.logger.Info().Msg("shutting down server...")

	if err := s.Stop(30 * time.Second); err != nil {
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop closes the hub so every session ends, then gracefully shuts down HTTP within
// timeout. Returns nil if the server was not running.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	var errs []error
	if err := s.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown failed: %w", err))
	}
	return errors.Join(errs...)
}
