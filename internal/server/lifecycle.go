package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ManagedServer wraps http.Server with asynchronous startup and logged
// shutdown.
type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	errCh    chan error
	startErr error
}

// NewManagedServer builds the managed listener with conservative timeouts.
// WriteTimeout leaves headroom for a full scan fan-out against a slow
// target.
func NewManagedServer(addr string, handler http.Handler, logger *zap.Logger) *ManagedServer {
	errLog, _ := zap.NewStdLogAt(logger, zapcore.ErrorLevel)

	return &ManagedServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ErrorLog:          errLog,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Start begins serving in the background.
func (m *ManagedServer) Start() {
	go func() {
		err := m.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			m.errCh <- err
		}
		close(m.errCh)
	}()
}

// WaitForStartup surfaces an immediate bind/listen failure. A quiet timeout
// means the server is up.
func (m *ManagedServer) WaitForStartup(timeout time.Duration) error {
	select {
	case err := <-m.errCh:
		if err != nil {
			m.startErr = err
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Shutdown drains in-flight requests.
func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.startErr != nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.Error(err))
	}
}
