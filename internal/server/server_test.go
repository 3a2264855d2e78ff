package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/config"
	"github.com/evergraph/evergraph/internal/idgen"
	"github.com/evergraph/evergraph/internal/ingest"
	"github.com/evergraph/evergraph/internal/query"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/types"
)

const testSchemaYAML = `
workspace: ws1
version: "1"
entity_types:
  Location:
    primary_key: loc_id
    properties:
      loc_id: {type: string}
      region: {type: string}
`

const testSpecYAML = `
spec_name: locations
spec_version: "1"
workspace_id: ws1
raw_hash_serialization:
  cell_order: column_order
  delimiter: "|"
  null_representation: "<NULL>"
  number_format: as_displayed
  date_format: as_displayed
  include_formatting: false
change_detection:
  mode: strict
  normalization_rules: {}
sheets:
  - sheet_name: Locations
    entities:
      location:
        entity_type: Location
        key_columns: [loc_id]
        key_template: "{loc_id}"
        properties:
          - {source_column: loc_id, target_property: loc_id}
`

type fakeImporter struct {
	lastReq ingest.Request
	out     *ingest.Outcome
	err     error
}

func (f *fakeImporter) Run(_ context.Context, req ingest.Request) (*ingest.Outcome, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type fakeQueries struct {
	searchParams query.SearchParams
	detailOpts   query.DetailOptions
	err          error
}

func (f *fakeQueries) Search(_ context.Context, _ string, p query.SearchParams) (*query.SearchResult, error) {
	f.searchParams = p
	if f.err != nil {
		return nil, f.err
	}
	return &query.SearchResult{Limit: p.Limit, Offset: p.Offset}, nil
}

func (f *fakeQueries) Detail(_ context.Context, _, _ string, opts query.DetailOptions) (*query.EntityDetail, error) {
	f.detailOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &query.EntityDetail{}, nil
}

func (f *fakeQueries) Runs(context.Context, string, string, int) ([]*types.ImportRun, error) {
	return nil, f.err
}

func (f *fakeQueries) Run(context.Context, string, string) (*query.RunDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &query.RunDetail{}, nil
}

func (f *fakeQueries) Diff(context.Context, string, string) (*query.RunDiff, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &query.RunDiff{}, nil
}

type fakeSources struct{}

func (fakeSources) ListSources(context.Context, string) ([]*types.Source, error) { return nil, nil }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv      *Server
	importer *fakeImporter
	queries  *fakeQueries
	ping     *fakePinger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "schemas")
	specDir := filepath.Join(dir, "specs")
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "ws1.yaml"), []byte(testSchemaYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "locations.yaml"), []byte(testSpecYAML), 0o644))

	reg := schema.NewRegistry(schemaDir, zap.NewNop())
	require.NoError(t, reg.LoadAll())

	h := &harness{
		importer: &fakeImporter{out: &ingest.Outcome{
			Run:   &types.ImportRun{ID: "imp_1", Status: types.ImportOK},
			Event: &types.ChangeEvent{ID: "evt_1"},
		}},
		queries: &fakeQueries{},
		ping:    &fakePinger{},
	}
	h.srv = New(config.Server{}, zap.NewNop(), h.importer, h.queries, fakeSources{}, reg, spec.NewLoader(specDir), h.ping, nil, "")
	return h
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Services["graph"])
	assert.Equal(t, "not configured", body.Services["vector"])
	assert.Equal(t, "disabled", body.Services["queue"])

	h.ping.err = errors.New("store down")
	rec = h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestHealthReportsConfiguredVector(t *testing.T) {
	h := newHarness(t)
	h.srv.vectorAddr = "127.0.0.1:6333"

	rec := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vector":"configured"`)
}

func TestCreateWorkspace(t *testing.T) {
	h := newHarness(t)

	payload := `
workspace: ws2
version: "1"
entity_types:
  Device:
    primary_key: dev_id
    properties:
      dev_id: {type: string}
`
	rec := h.do(t, http.MethodPost, "/api/workspaces/", bytes.NewBufferString(payload), "application/yaml")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "ws2")

	// Duplicate registration conflicts.
	rec = h.do(t, http.MethodPost, "/api/workspaces/", bytes.NewBufferString(payload), "application/yaml")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errCode(t, rec))
}

func TestListWorkspacesAndSchema(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/workspaces/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ws1")

	rec = h.do(t, http.MethodGet, "/api/workspaces/ws1/schema", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "yaml")

	rec = h.do(t, http.MethodGet, "/api/workspaces/nope/schema", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errCode(t, rec))
}

func TestSearchEntitiesParams(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/workspaces/ws1/entities/?entity_type=Location&q=east&limit=10&offset=5", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Location", h.queries.searchParams.EntityType)
	assert.Equal(t, "east", h.queries.searchParams.Query)
	assert.Equal(t, 10, h.queries.searchParams.Limit)
	assert.Equal(t, 5, h.queries.searchParams.Offset)

	rec = h.do(t, http.MethodGet, "/api/workspaces/ws1/entities/?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errCode(t, rec))
}

func TestEntityDetailParams(t *testing.T) {
	h := newHarness(t)
	entityID := idgen.New(idgen.PrefixEntity)

	rec := h.do(t, http.MethodGet, "/api/workspaces/ws1/entities/"+entityID+"?view=all_claims&scenario=expansion&as_of=2026-05-01T10:00:00Z", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ViewAllClaims, h.queries.detailOpts.View)
	assert.Equal(t, "expansion", h.queries.detailOpts.ScenarioID)
	require.NotNil(t, h.queries.detailOpts.AsOf)

	rec = h.do(t, http.MethodGet, "/api/workspaces/ws1/entities/"+entityID+"?as_of=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntityDetailRejectsMalformedID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/workspaces/ws1/entities/entity_1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errCode(t, rec))
}

func multipartBody(t *testing.T, specName, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("spec_name", specName))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestImportUpload(t *testing.T) {
	h := newHarness(t)

	body, ct := multipartBody(t, "locations", "Locations.csv", "loc_id,region\n1001,east\n")
	rec := h.do(t, http.MethodPost, "/api/workspaces/ws1/imports/", body, ct)
	assert.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "locations", h.importer.lastReq.SpecName)
	assert.Equal(t, "Locations.csv", h.importer.lastReq.Filename)
}

func TestImportRejectsWorkspaceMismatch(t *testing.T) {
	h := newHarness(t)

	body, ct := multipartBody(t, "locations", "Locations.csv", "loc_id,region\n")
	rec := h.do(t, http.MethodPost, "/api/workspaces/other/imports/", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportRequiresSpecName(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())
	rec := h.do(t, http.MethodPost, "/api/workspaces/ws1/imports/", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportFailureMapsStatus(t *testing.T) {
	h := newHarness(t)
	h.importer.err = types.Storef("graph unavailable")

	body, ct := multipartBody(t, "locations", "Locations.csv", "loc_id,region\n")
	rec := h.do(t, http.MethodPost, "/api/workspaces/ws1/imports/", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_error", errCode(t, rec))
}

func TestGetImportNotFound(t *testing.T) {
	h := newHarness(t)
	h.queries.err = types.NotFoundf("run missing")

	rec := h.do(t, http.MethodGet, "/api/workspaces/ws1/imports/"+idgen.New(idgen.PrefixImport), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportDiffRejectsMalformedRunID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/workspaces/ws1/imports/imp_404/diff", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errCode(t, rec))
}
