package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genstudio/internal/catalog"
	"genstudio/internal/config"
	"genstudio/internal/engine"
	"genstudio/internal/logging"
	"genstudio/internal/models"
	"genstudio/internal/outputs"
	"genstudio/internal/ratelimit"
	"genstudio/internal/store"
	"genstudio/internal/telemetry"
	"genstudio/internal/textgen"
)

// maxJSONBody bounds decoded request bodies. Workflow graphs can be large.
const maxJSONBody = 8 << 20

// CacheQueue accepts background caching work for a completed job.
type CacheQueue interface {
	EnqueueOutputs(jobID, engineURL string, files []models.OutputFile) int
}

// Options carries the optional collaborators of a Server. Nil fields disable
// the feature they back.
type Options struct {
	Catalog    *catalog.Cache
	Outputs    *outputs.Cache
	CacheQueue CacheQueue
	Limiter    ratelimit.Limiter
	Relay      http.Handler
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Server wires HTTP handlers for the studio API.
type Server struct {
	cfg        config.Config
	store      store.Store
	catalog    *catalog.Cache
	outputs    *outputs.Cache
	cacheQueue CacheQueue
	limiter    ratelimit.Limiter
	relay      http.Handler
	httpClient *http.Client
	logger     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, opts Options) *Server {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		catalog:    opts.Catalog,
		outputs:    opts.Outputs,
		cacheQueue: opts.CacheQueue,
		limiter:    opts.Limiter,
		relay:      opts.Relay,
		httpClient: httpClient,
		logger:     opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(ratelimit.Middleware(s.limiter, "submit", s.logger)).Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Patch("/{id}", s.handleUpdateJob)
			r.Delete("/{id}", s.handleDeleteJob)
		})

		r.Route("/engine", func(r chi.Router) {
			r.Get("/results/{promptId}", s.handleResult)
			if s.relay != nil {
				r.Method(http.MethodGet, "/events", s.relay)
			}
			r.Get("/view", s.handleView)
			r.Get("/thumbnail", s.handleThumbnail)
			r.With(ratelimit.Middleware(s.limiter, "upload", s.logger)).Post("/upload", s.handleUpload)
			r.Post("/interrupt", s.handleInterrupt)
			r.Get("/status", s.handleEngineStatus)
			r.Get("/checkpoints", s.handleCheckpoints)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Post("/detect", s.handleDetect)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Delete("/{id}", s.handleDeleteWorkflow)
		})

		r.Route("/textgen", func(r chi.Router) {
			r.Post("/enhance", s.handleEnhance)
			r.Post("/explain", s.handleExplain)
			r.Get("/status", s.handleTextGenStatus)
		})
	})
	return r
}

func (s *Server) engineURL(override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return s.cfg.EngineURL
}

func (s *Server) engineClient(override string) *engine.Client {
	return engine.NewClient(engine.Options{BaseURL: s.engineURL(override), HTTPClient: s.httpClient})
}

func (s *Server) textgenClient(baseURL, model string) *textgen.Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = s.cfg.TextGenURL
	}
	if strings.TrimSpace(model) == "" {
		model = s.cfg.TextGenModel
	}
	return textgen.NewClient(textgen.Options{BaseURL: baseURL, Model: model, HTTPClient: s.httpClient})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return models.Invalid("", "invalid json")
	}
	return nil
}

// writeError maps err onto a status code and writes it as an ErrorResponse.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *models.ValidationError
		rejected   *engine.RejectedError
		tgStatus   *textgen.StatusError
		maxErr     *http.MaxBytesError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation), errors.Is(err, outputs.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyTerminal):
		code = http.StatusConflict
	case errors.As(err, &maxErr):
		code = http.StatusRequestEntityTooLarge
	case errors.As(err, &rejected):
		telemetry.EngineRejections.WithLabelValues(rejected.Op).Inc()
		code = http.StatusBadGateway
	case errors.As(err, &tgStatus), errors.Is(err, textgen.ErrEmptyResponse):
		code = http.StatusBadGateway
	case errors.Is(err, engine.ErrUnavailable), errors.Is(err, textgen.ErrUnavailable):
		code = http.StatusServiceUnavailable
	default:
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, code, models.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allow[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if len(allow) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, ok := allow[origin]
			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			}
			if ok && r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
