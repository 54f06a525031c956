package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves the Prometheus scrape endpoint on its own port.
type Server struct {
	server *http.Server
	port   int
	logger zerolog.Logger
}

// NewServer creates the metrics server.
func NewServer(port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 2112
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		port:   port,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	s.logger.Info().Int("port", s.port).Msg("metrics server starting")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	time.Sleep(100 * time.Millisecond)
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
