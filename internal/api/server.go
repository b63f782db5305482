package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/logging"
)

// ServerComponent runs the HTTP surface under the component lifecycle.
type ServerComponent struct {
	*core.BaseComponent
	addr            string
	gracefulTimeout time.Duration
	handler         http.Handler
	server          *http.Server
}

func NewServerComponent(addr string, gracefulTimeout time.Duration, handler http.Handler) *ServerComponent {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 10 * time.Second
	}
	return &ServerComponent{
		BaseComponent:   core.NewBaseComponent(consts.CompHTTPServer, consts.CompLogging),
		addr:            addr,
		gracefulTimeout: gracefulTimeout,
		handler:         handler,
	}
}

func (s *ServerComponent) Start(ctx context.Context) error {
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(context.Background(), "http server exited", zap.Error(err))
		}
	}()
	logging.Info(ctx, "http server listening", zap.String("addr", s.addr))
	return nil
}

func (s *ServerComponent) Stop(ctx context.Context) error {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.gracefulTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}
	return s.BaseComponent.Stop(ctx)
}

func (s *ServerComponent) HealthCheck() error {
	if err := s.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	return nil
}
