package observability

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Server exposes the health and metrics endpoints a runtime process serves
// alongside its messaging work.
type Server struct {
	httpServer *http.Server
	port       int
	stop       chan struct{}
}

// NewServer creates a new observability server
func NewServer(port int) *Server {
	return &Server{
		port: port,
		stop: make(chan struct{}),
	}
}

// Start serves /health, /health/live, /health/ready and /metrics until
// Shutdown. Blocking; run it on its own goroutine.
func (s *Server) Start() error {
	InitMetrics()

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go s.sampleSystem()

	return s.httpServer.ListenAndServe()
}

// sampleSystem refreshes the process gauges until Shutdown.
func (s *Server) sampleSystem() {
	tick := time.NewTicker(15 * time.Second)
	defer tick.Stop()
	for {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		SetMemoryUsage(m.Alloc)
		SetGoroutines(runtime.NumGoroutine())

		select {
		case <-tick.C:
		case <-s.stop:
			return
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
