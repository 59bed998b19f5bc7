package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

type Servers struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	probes     map[string]Probe
	logger     *zap.Logger
}

// Run starts the gRPC server (health service) and the HTTP server (booking
// API, /healthz, swagger) and blocks until ctx is cancelled or a server fails.
func Run(ctx context.Context, cfg *config.Config, api http.Handler, swaggerDoc []byte, probes map[string]Probe, logger *zap.Logger) error {
	s, err := NewServers(cfg, api, swaggerDoc, probes, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	go func() { errCh <- s.grpcServer.Serve(lis) }()
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	logger.Info("servers started", zap.String("http", cfg.HTTP.Address), zap.String("grpc", cfg.GRPC.Address))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.grpcServer.GracefulStop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func NewServers(cfg *config.Config, api http.Handler, swaggerDoc []byte, probes map[string]Probe, logger *zap.Logger) (*Servers, error) {
	s := &Servers{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		probes:     probes,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	mux := runtime.NewServeMux()
	if err := mux.HandlePath(http.MethodGet, "/healthz", s.healthz); err != nil {
		return nil, fmt.Errorf("register healthz: %w", err)
	}

	handler := http.NewServeMux()
	handler.Handle("/", mux)
	handler.Handle("/v1/", api)
	if len(swaggerDoc) > 0 {
		handler.HandleFunc("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(swaggerDoc)
		})
		handler.Handle("/swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// healthz runs every probe, publishes the outcome through the gRPC health
// service and answers with the same HealthCheckResponse.
func (s *Servers) healthz(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			s.logger.Warn("health probe failed", zap.String("probe", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	body, err := protojson.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}
