// Package status serves a read-only JSON snapshot of the daemon over a
// unix socket, using the Docker plugin helper protocol.
package status

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/go-plugins-helpers/sdk"
	"github.com/fpemud/virt-service/pkg/manager"
	"github.com/sirupsen/logrus"
)

const (
	manifest   = `{"Implements": ["VirtService"]}`
	statusPath = "/VirtService.Status"
)

// Source produces the current snapshot
type Source func() (manager.Status, error)

// Response is the body returned on the status endpoint
type Response struct {
	Status manager.Status `json:"status"`
	Err    string         `json:"Err,omitempty"`
}

// Server answers status requests
type Server struct {
	path     string
	source   Source
	logger   *logrus.Logger
	handler  sdk.Handler
	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New creates a server for the socket at path
func New(path string, source Source, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}
	s := &Server{
		path:    path,
		source:  source,
		logger:  logger,
		handler: sdk.NewHandler(manifest),
	}
	s.handler.HandleFunc(statusPath, s.handleStatus)
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Status called")
	st, err := s.source()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to collect status")
		sdk.EncodeResponse(w, Response{Err: err.Error()}, true)
		return
	}
	sdk.EncodeResponse(w, Response{Status: st}, false)
}

// Start listens on the socket and serves in the background
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove any existing socket
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("failed to restrict %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = l
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := s.handler.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("Status server stopped")
		}
	}()

	s.logger.Infof("Status socket listening on %s", s.path)
	return nil
}

// Close stops serving and removes the socket
func (s *Server) Close() error {
	s.mu.Lock()
	l, done := s.listener, s.done
	s.listener = nil
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	err := l.Close()
	<-done
	if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}
