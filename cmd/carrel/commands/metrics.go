package commands

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/metrics"
)

// metricsListener owns the lifecycle of the standalone /metrics server.
type metricsListener struct {
	server *http.Server
	once   sync.Once
}

func newMetricsListener(host string, port int) *metricsListener {
	return &metricsListener{server: metrics.NewServer(host, port)}
}

func (m *metricsListener) start(ctx context.Context) {
	go func() {
		logger.Info("Metrics server listening", "addr", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		m.stop(5 * time.Second)
	}()
}

func (m *metricsListener) stop(timeout time.Duration) {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	})
}
