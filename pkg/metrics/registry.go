// Package metrics owns the process-wide Prometheus registry. Collection is
// opt-in: until InitRegistry is called every constructor in
// pkg/metrics/prometheus returns nil, and nil receivers make every record
// call a no-op, so a server with metrics disabled pays nothing.
package metrics

import (
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the registry and seeds it with the standard Go and
// process collectors. Call once at startup, before constructing any stores
// or servers that collect metrics. Calling it again is a no-op.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// RegisterDBStats exposes the connection pool gauges of the given database
// under the carrel_dbstats_* prefix. No-op when metrics are disabled.
func RegisterDBStats(db *sql.DB, dbName string) {
	reg := GetRegistry()
	if reg == nil || db == nil {
		return
	}
	reg.MustRegister(collectors.NewDBStatsCollector(db, dbName))
}

// Handler returns the scrape handler for the registry. Callers must only use
// it when IsEnabled reports true.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// NewServer builds the standalone metrics listener serving GET /metrics.
// The listener is deliberately separate from the API server so that scrapes
// never compete with (or leak onto) the capability planes.
func NewServer(host string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
