// server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chhz0/inferq/core"
	"github.com/chhz0/inferq/types"
)

// Service is the scheduler surface the HTTP layer exposes.
type Service interface {
	Submit(ctx context.Context, req core.SubmitRequest) (core.SubmitReceipt, error)
	SubmitBatch(ctx context.Context, reqs []core.SubmitRequest) ([]core.SubmitReceipt, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (types.TaskView, error)
	Purge(ctx context.Context, id string) error
	Metrics() types.QueueMetricsView
	Backends(ctx context.Context) []types.BackendHealth
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies; 0 means 16MiB.
	MaxBodyBytes int64
}

type Server struct {
	svc        Service
	cfg        Config
	logger     *zap.Logger
	httpServer *http.Server
}

func NewServer(cfg Config, svc Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Post("/tasks/batch", s.submitBatch)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Delete("/tasks/{id}/record", s.purgeTask)
		r.Get("/metrics/queue", s.queueMetrics)
	})

	// 管理API
	r.Get("/metrics", s.prometheus)
	r.Get("/health", s.health)
	r.Get("/health/backends", s.backendHealth)
	return r
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", chimw.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
