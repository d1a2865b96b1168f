// Package api exposes the shadow-writing pipeline, batch jobs and their
// progress streams over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/history"
	"github.com/sells-group/shadow-cli/internal/keypool"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/pipeline"
	"github.com/sells-group/shadow-cli/internal/progress"
	"github.com/sells-group/shadow-cli/internal/task"
)

const maxBodyBytes = 2 << 20

// Processor runs one document through the stage graph.
type Processor interface {
	RunDocument(ctx context.Context, doc model.Document, opts ...pipeline.RunOption) model.DocumentResult
}

// Jobs starts and cancels batch jobs.
type Jobs interface {
	Start(ctx context.Context, urls []string, userID string) (string, error)
	Cancel(jobID, reason string) bool
}

// Searcher discovers candidate documents for a topic.
type Searcher interface {
	Search(ctx context.Context, topic string, limit int) ([]model.Candidate, error)
}

// Deps are the collaborators behind the handlers. History, KeyStats and
// Costs may be nil.
type Deps struct {
	Processor Processor
	Jobs      Jobs
	Registry  *task.Registry
	Hub       *progress.Hub
	Search    Searcher
	History   history.Store
	KeyStats  func() keypool.Stats
	Costs     *cost.Tracker
}

// Options tunes request validation and streaming.
type Options struct {
	Model            string
	MinDocumentChars int
	SearchLimit      int
	CORSOrigins      []string
	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// Server holds handler state. Batch jobs started over HTTP run under the
// base context rather than the request's.
type Server struct {
	base context.Context
	deps Deps
	opts Options
}

// New creates a Server.
func New(base context.Context, deps Deps, opts Options) *Server {
	if deps.History == nil {
		deps.History = history.Nop{}
	}
	if opts.SearchLimit < 1 {
		opts.SearchLimit = 5
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{base: base, deps: deps, opts: opts}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Post("/search", s.handleSearch)
		r.Post("/process-batch", s.handleProcessBatch)

		r.Route("/task/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleCancelTask)
			r.Get("/events", s.handleEvents)
			r.Get("/stream", s.handleStream)
		})

		r.Get("/keys/stats", s.handleKeyStats)
		r.Get("/history", s.handleHistory)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Debug("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
