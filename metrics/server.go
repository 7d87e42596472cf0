package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsPath is where Server serves the Prometheus exposition.
const MetricsPath = "/metrics"

// Server serves a Collector, plus Go runtime and process metrics, on a
// private registry.
type Server struct {
	srv      *http.Server
	listener net.Listener
	errc     chan error
}

// NewServer registers an exporter for c and binds addr. Serving starts with
// Start.
func NewServer(addr string, c *Collector, namespace string) (*Server, error) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusExporter(c, namespace, reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, Handler(reg))
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		errc:     make(chan error, 1),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		err := s.srv.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errc <- err
	}()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Err receives the serve error (nil after a clean Shutdown) once serving
// stops.
func (s *Server) Err() <-chan error {
	return s.errc
}
