package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
)

// Extractor performs a stateless crawl of one page.
type Extractor interface {
	Extract(ctx context.Context, sourceURL string) (inspection.Extraction, error)
}

// Ingester crawls a page and persists it as a collection.
type Ingester interface {
	Crawl(ctx context.Context, sourceURL string) (inspection.Collection, error)
}

// JobService manages the job lifecycle.
type JobService interface {
	Create(ctx context.Context, collectionID string, jobType inspection.JobType, bannerID *string) (inspection.Job, error)
	Submit(ctx context.Context, jobID string) (bool, error)
	Cancel(ctx context.Context, jobID string) (inspection.Job, error)
	Get(ctx context.Context, jobID string) (inspection.Job, error)
	Active(ctx context.Context, collectionID string) (*inspection.Job, error)
	List(ctx context.Context, collectionID string) ([]inspection.Job, error)
	Logs(ctx context.Context, jobID string) ([]inspection.JobLog, error)
}

// Store serves the read endpoints and config writes.
type Store interface {
	GetCollection(ctx context.Context, id string) (inspection.Collection, error)
	ListBanners(ctx context.Context, collectionID string) ([]inspection.Banner, error)
	GetResult(ctx context.Context, bannerID string) (inspection.Result, error)
	DeleteResult(ctx context.Context, bannerID string) error
	SetConfigValue(ctx context.Context, key, value string) error
}

// ReadyCheck reports whether downstream dependencies are reachable.
type ReadyCheck func(ctx context.Context) error

// Options tunes the server's middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Ready          ReadyCheck
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the inspection services.
type Server struct {
	router    chi.Router
	extractor Extractor
	ingester  Ingester
	jobs      JobService
	store     Store
	ready     ReadyCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(extractor Extractor, ingester Ingester, jobs JobService, store Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		extractor: extractor,
		ingester:  ingester,
		jobs:      jobs,
		store:     store,
		ready:     opts.Ready,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}

		r.Post("/crawl", s.crawl)
		r.Route("/collections", func(r chi.Router) {
			r.Post("/", s.createCollection)
			r.Route("/{collection_id}", func(r chi.Router) {
				r.Get("/", s.getCollection)
				r.Get("/banners", s.listBanners)
				r.Get("/jobs", s.listCollectionJobs)
				r.Get("/active-job", s.activeJob)
			})
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Post("/process", s.processJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/logs", s.jobLogs)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/banners/{banner_id}/result", func(r chi.Router) {
			r.Get("/", s.getResult)
			r.Delete("/", s.deleteResult)
		})
		r.Put("/config/{key}", s.setConfig)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, inspection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inspection.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, inspection.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
	}
	writeError(w, status, err.Error())
}
