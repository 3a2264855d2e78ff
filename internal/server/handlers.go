package server

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evergraph/evergraph/internal/idgen"
	"github.com/evergraph/evergraph/internal/ingest"
	"github.com/evergraph/evergraph/internal/query"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/types"
)

// handleHealth reports per-collaborator state as services{graph,vector,
// queue}. Only the graph store is load-bearing; a queue failure degrades
// the status without taking the endpoint to 503, and the vector endpoint
// is passed through unchecked because nothing here holds a client for it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]string{"graph": "ok", "vector": "not configured", "queue": "disabled"}
	overall := "ok"
	status := http.StatusOK

	if err := s.graph.Ping(ctx); err != nil {
		services["graph"] = err.Error()
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}
	if s.vectorAddr != "" {
		services["vector"] = "configured"
	}
	if s.bus != nil {
		services["queue"] = "ok"
		if err := s.bus.Ping(ctx); err != nil {
			services["queue"] = err.Error()
			overall = "degraded"
		}
	}
	s.writeJSON(w, status, map[string]any{"status": overall, "services": services})
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	names, err := s.specs.List()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, map[string]any{"specs": names})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces := s.schemas.Workspaces()
	sort.Strings(workspaces)
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// handleCreateWorkspace registers a workspace from a YAML domain schema
// request body.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeErr(w, types.Validationf("read schema body: %v", err))
		return
	}
	d, err := schema.Parse(raw)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.schemas.Register(d); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"workspace": d.Workspace})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	d, err := s.schemas.Get(ws)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	raw, err := schema.MarshalDomain(d)
	if err != nil {
		s.writeErr(w, types.Internalf("marshal schema: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	if _, err := s.schemas.Get(ws); err != nil {
		s.writeErr(w, err)
		return
	}
	sources, err := s.sources.ListSources(r.Context(), ws)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	result, err := s.queries.Search(r.Context(), ws, query.SearchParams{
		EntityType: q.Get("entity_type"),
		PrimaryKey: q.Get("primary_key"),
		Query:      q.Get("q"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEntityDetail(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	entityID := chi.URLParam(r, "entityID")
	if !idgen.Valid(entityID) {
		s.writeErr(w, types.Validationf("malformed entity id %q", entityID))
		return
	}
	q := r.URL.Query()

	opts := query.DetailOptions{
		View:       types.ViewMode(q.Get("view")),
		ScenarioID: q.Get("scenario"),
	}
	if raw := q.Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeErr(w, types.Validationf("as_of: %v", err))
			return
		}
		opts.AsOf = &t
	}

	detail, err := s.queries.Detail(r.Context(), ws, entityID, opts)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// handleImport accepts a multipart upload: "file" is the spreadsheet,
// "spec_name" selects the mapping spec. The spec's workspace must match
// the URL.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")

	maxBytes := s.cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeErr(w, types.Validationf("parse upload: %v", err))
		return
	}

	specName := r.FormValue("spec_name")
	if specName == "" {
		s.writeErr(w, types.Validationf("spec_name is required"))
		return
	}
	sp, err := s.specs.Load(specName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if sp.WorkspaceID != ws {
		s.writeErr(w, types.Validationf("spec %q belongs to workspace %q", specName, sp.WorkspaceID))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErr(w, types.Validationf("file upload: %v", err))
		return
	}
	defer file.Close()

	out, err := s.importer.Run(r.Context(), importRequest(specName, header.Filename, file, r.FormValue("actor")))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.bus.Publish(r.Context(), out.Event)
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	runs, err := s.queries.Runs(r.Context(), ws, q.Get("spec"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !idgen.Valid(runID) {
		s.writeErr(w, types.Validationf("malformed run id %q", runID))
		return
	}
	detail, err := s.queries.Run(r.Context(), chi.URLParam(r, "workspace"), runID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleImportDiff(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !idgen.Valid(runID) {
		s.writeErr(w, types.Validationf("malformed run id %q", runID))
		return
	}
	diff, err := s.queries.Diff(r.Context(), chi.URLParam(r, "workspace"), runID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

func importRequest(specName, filename string, data io.Reader, actor string) ingest.Request {
	return ingest.Request{SpecName: specName, Filename: filename, Data: data, Actor: actor}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.Validationf("expected an integer, got %q", raw)
	}
	return n, nil
}
