// Package server exposes the media API over HTTP and the admin surface
// (metrics, health) over HTTP and gRPC.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/middleware"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// MediaService is the upload and lookup surface the handlers call.
type MediaService interface {
	Process(ctx context.Context, files []*staging.StagedFile, meta upload.Metadata) (*upload.BatchResult, error)
	Get(ctx context.Context, id string) (*media.MediaRecord, error)
	List(ctx context.Context, ref media.EntityRef) ([]media.MediaRecord, error)
	Delete(ctx context.Context, id string) error
	Config() upload.Config
}

// Stager writes incoming parts to local staging.
type Stager interface {
	Stage(ctx context.Context, r io.Reader, declaredName, declaredMIME, requestID string) (*staging.StagedFile, error)
	Release(sf *staging.StagedFile) error
}

type RateLimitOptions struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	// KeyStrategy is one of ip, realip or apikey.
	KeyStrategy string
}

type Options struct {
	// MaxRequestBytes caps the whole multipart body.
	MaxRequestBytes int64
	CORSOrigins     []string
	RateLimit       RateLimitOptions
	// Keys guards mutating routes. Nil leaves them open.
	Keys middleware.KeyLookup
	// AssetDir is served under /assets/ when set.
	AssetDir string
}

type Server struct {
	media   MediaService
	staging Stager
	opts    Options
	logger  *zap.Logger
}

func New(svc MediaService, stager Stager, opts Options, logger *zap.Logger) *Server {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 512 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		media:   svc,
		staging: stager,
		opts:    opts,
		logger:  logger,
	}
}

// Routes builds the public API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader, chimiddleware.RequestIDHeader},
		ExposedHeaders: []string{chimiddleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit())

		r.Get("/media", s.listMedia)
		r.Get("/media/{id}", s.getMedia)

		r.Group(func(r chi.Router) {
			if s.opts.Keys != nil {
				r.Use(middleware.RequireAPIKey(s.opts.Keys))
			}
			r.Post("/media", s.uploadGallery)
			r.Post("/press/{id}/attachments", s.uploadPressAttachments)
			r.Delete("/media/{id}", s.deleteMedia)
		})
	})

	if s.opts.AssetDir != "" {
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.opts.AssetDir))))
	}
	return r
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	rl := s.opts.RateLimit
	if !rl.Enabled || rl.Requests <= 0 || rl.Window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	keyFunc := httprate.KeyByIP
	switch rl.KeyStrategy {
	case "realip":
		keyFunc = httprate.KeyByRealIP
	case "apikey":
		keyFunc = middleware.KeyByAPIKey
	}

	return httprate.Limit(
		rl.Requests,
		rl.Window,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}
