package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves /metrics and /healthz over HTTP. It is inert when no
// address is configured.
type MetricsServer struct {
	addr   string
	server *http.Server
	lis    net.Listener
	logger *zap.Logger
}

func NewMetricsServer(cfg *config.Config, e *engine.Engine, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := e.Status()
		if state == status.Stopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintln(w, state)
	})
	return &MetricsServer{
		addr: cfg.Metrics.Addr,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start listens and serves in the background.
func (m *MetricsServer) Start() error {
	if m.addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	m.lis = lis
	m.logger.Info("metrics endpoint listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := m.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, empty until Start succeeds.
func (m *MetricsServer) Addr() string {
	if m.lis == nil {
		return ""
	}
	return m.lis.Addr().String()
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if m.lis == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
