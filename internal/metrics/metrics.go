// Package metrics holds the process-wide prometheus counters of workerd and
// serves them over HTTP when a listen address is configured.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workerd"

// Resource run results.
const (
	ResultOK       = "ok"
	ResultNoRecord = "no_record"
	ResultOpenErr  = "open_error"
	ResultQueryErr = "query_error"
)

var (
	workerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_iterations_total",
			Help:      "Units of work completed, by worker id",
		},
		[]string{"worker"},
	)

	workerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Units of work that panicked",
		},
	)

	resourceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_runs_total",
			Help:      "Resource worker runs by result",
		},
		[]string{"result"},
	)

	logRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rotations_total",
			Help:      "Rotations of the log file",
		},
	)

	shutdownRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdown_requests_total",
			Help:      "Shutdown requests received, including repeated ones",
		},
	)
)

func WorkerIteration(id int) {
	workerIterations.WithLabelValues(strconv.Itoa(id)).Inc()
}

func WorkerPanic() {
	workerPanics.Inc()
}

func ResourceRun(result string) {
	resourceRuns.WithLabelValues(result).Inc()
}

func LogRotation() {
	logRotations.Inc()
}

func ShutdownRequest() {
	shutdownRequests.Inc()
}

// Server exposes the default registry on /metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Use Serve to start answering requests.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		slog.WarnContext(ctx, "metrics server shutdown", "error", err)
		return err
	}
	return nil
}
