package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/threat"
)

const shutdownTimeout = 10 * time.Second

// FeedServicePrefix prefixes the gRPC health service name of each feed.
const FeedServicePrefix = "taxii.feed/"

// Server wraps the HTTP API, the metrics listener, and the gRPC health
// service.
type Server struct {
	svc    *threat.Service
	cfg    *Config
	router *mux.Router
	health *health.Server
	logger *slog.Logger
}

// New builds a Server. It should be registered as an observer of the sync
// controller so feed health follows refresh outcomes.
func New(svc *threat.Service, cfg *Config, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: mux.NewRouter(),
		health: health.NewServer(),
		logger: logging.Default(logger).With("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

// Health exposes the gRPC health server.
func (s *Server) Health() *health.Server { return s.health }

// FeedRefreshed marks a feed SERVING after a successful refresh and
// NOT_SERVING after a failed one.
func (s *Server) FeedRefreshed(res threat.FeedResult) {
	status := healthpb.HealthCheckResponse_SERVING
	if !res.OK() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(FeedServicePrefix+res.Feed, status)
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	httpSrv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.logger.Info("listening", "addr", s.cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsSrv = s.StartMetrics(s.cfg.MetricsAddr, errCh)
	}

	var grpcSrv *grpc.Server
	if s.cfg.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpSrv.Close()
			if metricsSrv != nil {
				metricsSrv.Close()
			}
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = s.StartGRPC(ln, errCh)
	}

	var sched gocron.Scheduler
	if s.cfg.RefreshInterval > 0 {
		var err error
		if sched, err = s.StartScheduler(ctx, s.cfg.RefreshInterval); err != nil {
			s.logger.Error("refresh schedule disabled", "err", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown", "err", err)
		}
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "err", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	s.logger.Info("server stopped")
	return runErr
}

// StartMetrics serves /metrics on addr in the background.
func (s *Server) StartMetrics(addr string, errCh chan<- error) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "err", err)
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	return srv
}

// StartGRPC serves the health service on ln in the background.
func (s *Server) StartGRPC(ln net.Listener, errCh chan<- error) *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	go func() {
		s.logger.Info("grpc listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	return srv
}

// StartScheduler refreshes every feed each interval. A run still in
// progress when the next one is due causes that one to be skipped.
func (s *Server) StartScheduler(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			report := s.svc.RefreshAll(ctx)
			s.logger.Info("scheduled refresh done", "run", report.RunID, "failed", len(report.Failed()))
		}),
		gocron.WithName("refresh-all"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}
	sched.Start()
	s.logger.Info("refresh scheduled", "interval", interval)
	return sched, nil
}
