package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glassflow/dlq-reconciler/internal/api"
)

// Server exposes the status endpoints of a purge run while it is in
// progress.
type Server struct {
	*http.Server
	log *slog.Logger
}

func NewHTTPServer(addr string, timeout time.Duration, reports api.ReportSource, metrics http.Handler, log *slog.Logger) *Server {
	handler := api.NewRouter(log, reports, metrics)

	//nolint: exhaustruct // optional server config
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       timeout,
			ReadHeaderTimeout: timeout,
			WriteTimeout:      timeout,
			IdleTimeout:       4 * timeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info("Status server listening", slog.String("addr", s.Addr))

	err := s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop status server: %w", err)
	}

	return nil
}
