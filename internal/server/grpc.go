package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"CDPLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer runs the gRPC endpoint (health and reflection) and the HTTP
// gateway that serves the JSON API.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	api           *API
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// NewGRPCServer wires the gRPC health service to hc: the overall status
// follows readiness.
func NewGRPCServer(grpcAddr, httpAddr string, api *API, hc *observability.HealthChecker) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if hc != nil {
		hc.OnChange(func(ready bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
		})
	} else {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		api:           api,
		healthChecker: hc,
		logger:        observability.NewLogger("server"),
	}
}

// StartGRPC serves until ctx is cancelled
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: liveness and readiness probes, the JSON
// API and a gateway health endpoint backed by the gRPC health service.
func (s *GRPCServer) Handler(ctx context.Context) (http.Handler, error) {
	conn, err := grpc.NewClient(s.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial grpc: %w", err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	mux := runtime.NewServeMux(
		runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), "/v1/health"),
	)
	if err := s.api.Register(mux); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP API until ctx is cancelled
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler(ctx)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("grpc", s.grpcAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
