package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/query"
	"github.com/schulmacher/krupton-sub002/internal/record"
)

type statusReader interface {
	StreamStatus(ctx context.Context, key record.StreamKey) (*query.StreamStatus, error)
}

// Deps holds what the admin surfaces read from.
type Deps struct {
	Health  *observability.HealthChecker
	Status  statusReader // optional; the recorder has no consumers to report
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Server wraps the gRPC server (health + reflection) and the HTTP admin mux.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	mux        *runtime.ServeMux
	grpcAddr   string
	httpAddr   string
	deps       Deps
	logger     zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Health == nil {
		return nil, errors.New("health checker is required")
	}
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		mux:        runtime.NewServeMux(),
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		logger:     deps.Logger,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	s.syncHealth()

	routes := []struct {
		path    string
		handler runtime.HandlerFunc
	}{
		{"/healthz", s.handleLiveness},
		{"/readyz", s.handleReadiness},
		{"/v1/streams/{stream}/{symbol}", s.handleStreamStatus},
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(http.MethodGet, r.path, s.instrument(r.path, r.handler)); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.path, err)
		}
	}
	return s, nil
}

// Handler returns the HTTP admin mux.
func (s *Server) Handler() http.Handler { return s.mux }

// StartGRPC serves gRPC until ctx ends.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the admin mux until ctx ends.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, s.httpServer, s.logger.With().Str("server", "admin").Logger())
}

// SyncHealth mirrors the HealthChecker into the gRPC health service every
// interval until ctx ends.
func (s *Server) SyncHealth(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncHealth()
		}
	}
}

// syncHealth publishes one gRPC service per tracked component plus the
// overall "" service.
func (s *Server) syncHealth() {
	for name, ready := range s.deps.Health.Components() {
		s.health.SetServingStatus(name, servingStatus(ready))
	}
	s.health.SetServingStatus("", servingStatus(s.deps.Health.IsReady()))
}

func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// instrument counts requests by route and final status code.
func (s *Server) instrument(route string, next runtime.HandlerFunc) runtime.HandlerFunc {
	m := s.deps.Metrics
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r, params)
		m.QueryRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		m.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.deps.Health.LivenessHandler(w, r)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.deps.Health.ReadinessHandler(w, r)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Status == nil {
		writeError(w, http.StatusNotFound, "stream status is not served by this process")
		return
	}
	key := record.NewStreamKey(params["stream"], params["symbol"])
	st, err := s.deps.Status.StreamStatus(r.Context(), key)
	switch {
	case errors.Is(err, query.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("stream", key.String()).Msg("stream status failed")
		writeError(w, http.StatusInternalServerError, "stream status unavailable")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ServeMetrics exposes gatherer on addr/metrics until ctx ends.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, srv, logger.With().Str("server", "metrics").Logger())
}

func serve(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
