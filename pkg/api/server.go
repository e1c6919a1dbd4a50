package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

const DefaultShutdownTimeout = 5 * time.Second

// Server is an http.Server whose listener is bound before serving starts,
// so a busy port fails Listen rather than the serve loop.
type Server struct {
	server          *http.Server
	address         string
	shutdownTimeout time.Duration
	logger          logging.Logger

	mutex        sync.Mutex
	listener     net.Listener
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewServer(address string, handler http.Handler, shutdownTimeout time.Duration, logger logging.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		server: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		address:         address,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return errors.NewInternalError("server is already listening", nil).WithContext("address", s.address)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.NewNetworkError("failed to bind API listener", err).WithContext("address", s.address)
	}
	s.listener = listener

	s.logger.Infof("API server listening, address: %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves on the bound listener until ctx is cancelled, then shuts the
// server down within the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	s.mutex.Lock()
	listener := s.listener
	s.mutex.Unlock()
	if listener == nil {
		return errors.NewInternalError("Serve called before Listen", nil)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Infof("API server shutdown signal received")
		// ctx is already done, shutdown needs its own deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			// closed by Shutdown from elsewhere
			return nil
		}
		return errors.NewNetworkError("API server failed", err).WithContext("address", s.address)
	}
}

// Shutdown gracefully stops the server. Only the first call does any work;
// later calls return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Debugf("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Errorf("API server shutdown error: %v", err)
			if closeErr := s.server.Close(); closeErr != nil {
				s.logger.Warnf("Failed to close API server: %v", closeErr)
			}
			s.shutdownErr = errors.NewShutdownError("API server shutdown failed", err)
			return
		}

		// Serve may never have run; a second Close is harmless
		s.closeListener()
		s.logger.Infof("API server stopped gracefully")
	})
	return s.shutdownErr
}

func (s *Server) closeListener() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
