// Package metrics exposes the harvester's Prometheus metrics over HTTP.
// The metrics themselves are declared with promauto in the packages that
// update them (client, pagination, store, ingest, state).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all harvester metrics are attached to.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source the /metrics endpoint reads from.
var Gatherer = prometheus.DefaultGatherer

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Server serves the metrics mux for the lifetime of a run.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Use Addr to find the port when addr ends in ":0".
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           NewMux(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves in the background until Shutdown is called.
func (s *Server) Start() {
	logger := logging.NewLogger("metrics")
	go func() {
		logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server, waiting at most until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Catalogue
//
// Transport (pkg/client):
//   - harvest_requests_total{endpoint, status}
//   - harvest_request_duration_seconds{endpoint}
//   - harvest_request_errors_total{class}
//   - harvest_retries_total{error_class}
//   - harvest_retry_backoff_seconds{error_class}
//   - harvest_retry_exhausted_total{error_class}
//
// Fetching (pkg/pagination):
//   - harvest_pages_fetched_total{schema}
//   - harvest_records_fetched_total{schema}
//   - harvest_page_failures_total{schema}
//   - harvest_fetch_outcomes_total{schema, reason}
//
// Persistence (pkg/store):
//   - harvest_records_inserted_total{collection}
//   - harvest_insert_batches_total{collection, result}
//
// Runs (pkg/ingest, pkg/state):
//   - harvest_no_data_streak
//   - harvest_schemas_skipped_total
//   - harvest_runs_total{mode, result}
//   - harvest_last_run_timestamp_seconds
//   - harvest_lock_contention_total
//
// Example queries:
//
//   # Schemas that ended degraded in the last day
//   increase(harvest_fetch_outcomes_total{reason="degraded"}[1d])
//
//   # Share of requests that needed a retry
//   sum(rate(harvest_retries_total[1h])) / sum(rate(harvest_requests_total[1h]))
