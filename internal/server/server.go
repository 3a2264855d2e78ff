// Package server exposes the platform over HTTP: workspace and schema
// management, entity search and detail, spreadsheet imports, and import
// run inspection. Transport only; every rule lives in the layers below.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/config"
	"github.com/evergraph/evergraph/internal/ingest"
	"github.com/evergraph/evergraph/internal/query"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/types"
)

// Importer runs imports; satisfied by *ingest.Importer.
type Importer interface {
	Run(ctx context.Context, req ingest.Request) (*ingest.Outcome, error)
}

// Queries answers reads; satisfied by *query.Service.
type Queries interface {
	Search(ctx context.Context, ws string, p query.SearchParams) (*query.SearchResult, error)
	Detail(ctx context.Context, ws, entityID string, opts query.DetailOptions) (*query.EntityDetail, error)
	Runs(ctx context.Context, ws, specName string, limit int) ([]*types.ImportRun, error)
	Run(ctx context.Context, ws, runID string) (*query.RunDetail, error)
	Diff(ctx context.Context, ws, runID string) (*query.RunDiff, error)
}

// SourceLister lists registered sources; satisfied by *graph.Store.
type SourceLister interface {
	ListSources(ctx context.Context, ws string) ([]*types.Source, error)
}

// Pinger reports backing-store liveness; satisfied by *graph.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP surface.
type Server struct {
	cfg      config.Server
	log      *zap.Logger
	importer Importer
	queries  Queries
	sources  SourceLister
	schemas  *schema.Registry
	specs    *spec.Loader
	graph    Pinger
	bus      *Bus
	// vectorAddr is the embedding-store collaborator endpoint, surfaced on
	// /healthz only; empty means not configured.
	vectorAddr string
}

// New wires the server. bus may be nil when no event channel is
// configured; vectorAddr may be empty.
func New(cfg config.Server, log *zap.Logger, importer Importer, queries Queries, sources SourceLister, schemas *schema.Registry, specs *spec.Loader, graphPing Pinger, bus *Bus, vectorAddr string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		log:        log.Named("http"),
		importer:   importer,
		queries:    queries,
		sources:    sources,
		schemas:    schemas,
		specs:      specs,
		graph:      graphPing,
		bus:        bus,
		vectorAddr: vectorAddr,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/specs", s.handleListSpecs)

		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.handleListWorkspaces)
			r.Post("/", s.handleCreateWorkspace)

			r.Route("/{workspace}", func(r chi.Router) {
				r.Get("/schema", s.handleGetSchema)
				r.Get("/sources", s.handleListSources)

				r.Route("/entities", func(r chi.Router) {
					r.Get("/", s.handleSearchEntities)
					r.Get("/{entityID}", s.handleEntityDetail)
				})

				r.Route("/imports", func(r chi.Router) {
					r.Post("/", s.handleImport)
					r.Get("/", s.handleListImports)
					r.Get("/{runID}", s.handleGetImport)
					r.Get("/{runID}/diff", s.handleImportDiff)
				})
			})
		})
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
