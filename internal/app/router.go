package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/statement-recon/internal/observability"
	"github.com/odyssey-erp/statement-recon/internal/platform/blob"
	"github.com/odyssey-erp/statement-recon/internal/platform/httpx"
	"github.com/odyssey-erp/statement-recon/internal/statement"
	"github.com/odyssey-erp/statement-recon/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	StatementHandler *statement.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
	// Files is served read-only under /files/. Nil disables the route.
	Files            blob.Bucket
	// Ready backs /readyz. Nil reports ready.
	Ready            func(context.Context) error
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ready != nil {
			if err := params.Ready(r.Context()); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("readiness check", slog.Any("error", err))
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.StatementHandler != nil {
		params.StatementHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.Files != nil {
		r.Get("/files/*", serveBlob(params.Files, params.Logger))
	}

	return r
}

// serveBlob streams a stored upload. Keys are never reused, so responses
// are immutable.
func serveBlob(files blob.Bucket, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		rc, err := files.Open(r.Context(), blob.Scheme+key)
		if err != nil {
			var status int
			switch {
			case errors.Is(err, blob.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, context.Canceled):
				return
			default:
				if _, keyErr := blob.KeyOf(key); keyErr != nil {
					status = http.StatusNotFound
					break
				}
				if logger != nil {
					logger.Warn("serve blob", slog.String("key", key), slog.Any("error", err))
				}
				status = http.StatusBadGateway
			}
			httpx.Problem(w, status, http.StatusText(status), "")
			return
		}
		defer func() { _ = rc.Close() }()

		contentType := mime.TypeByExtension(path.Ext(key))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
		_, _ = io.Copy(w, rc)
	}
}
