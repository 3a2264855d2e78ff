package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// assertionCols is the canonical column order for Assertion reads.
const assertionCols = "workspace_id, assertion_key, relationship_type, property_key, raw_hash, normalized_hash, source_type, source_ref, source_id, import_run_id, recorded_at, valid_from, valid_to, scenario_id, confidence, supersedes"

func yieldAssertion() string {
	parts := []string{"id(vertex) AS vid"}
	for _, c := range strings.Split(assertionCols, ", ") {
		parts = append(parts, fmt.Sprintf("Assertion.%s AS %s", c, c))
	}
	return strings.Join(parts, ", ")
}

func decodeAssertion(row Row) (*types.AssertionRecord, error) {
	if err := rowWidth(row, 17); err != nil {
		return nil, err
	}
	return &types.AssertionRecord{
		ID:               row.col(0).AsString(),
		WorkspaceID:      row.col(1).AsString(),
		AssertionKey:     row.col(2).AsString(),
		RelationshipType: row.col(3).AsString(),
		PropertyKey:      row.col(4).AsString(),
		RawHash:          row.col(5).AsString(),
		NormalizedHash:   row.col(6).AsString(),
		SourceType:       types.SourceType(row.col(7).AsString()),
		SourceRef:        row.col(8).AsString(),
		SourceID:         row.col(9).AsString(),
		ImportRunID:      row.col(10).AsString(),
		RecordedAt:       row.col(11).AsTime(),
		ValidFrom:        row.col(12).AsTime(),
		ValidTo:          row.col(13).AsTimePtr(),
		ScenarioID:       row.col(14).AsString(),
		Confidence:       row.col(15).AsFloat(),
		Supersedes:       row.col(16).AsString(),
	}, nil
}

func decodeAssertions(res *Result) ([]*types.AssertionRecord, error) {
	out := make([]*types.AssertionRecord, 0, len(res.Rows))
	for _, row := range res.Rows {
		a, err := decodeAssertion(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AssertionsForKey returns every assertion, open or closed, for one
// assertion key. The store's indexed lookup cannot filter on NULL
// valid_to, so currency filtering happens here in memory.
func (s *Store) AssertionsForKey(ctx context.Context, ws, key string) ([]*types.AssertionRecord, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Assertion WHERE Assertion.workspace_id == %s AND Assertion.assertion_key == %s YIELD %s",
		litString(ws), litString(key), yieldAssertion(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return decodeAssertions(res)
}

// OpenAssertionsForKey narrows AssertionsForKey to currently-valid records.
func (s *Store) OpenAssertionsForKey(ctx context.Context, ws, key string) ([]*types.AssertionRecord, error) {
	all, err := s.AssertionsForKey(ctx, ws, key)
	if err != nil {
		return nil, err
	}
	return filterOpen(all), nil
}

func filterOpen(records []*types.AssertionRecord) []*types.AssertionRecord {
	open := records[:0:0]
	for _, a := range records {
		if a.Open() {
			open = append(open, a)
		}
	}
	return open
}

// OpenAssertionsBySource returns every currently-valid assertion a source
// has on record in a workspace. Drives disappearance detection.
func (s *Store) OpenAssertionsBySource(ctx context.Context, ws, sourceID string) ([]*types.AssertionRecord, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Assertion WHERE Assertion.workspace_id == %s AND Assertion.source_id == %s YIELD %s",
		litString(ws), litString(sourceID), yieldAssertion(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	all, err := decodeAssertions(res)
	if err != nil {
		return nil, err
	}
	return filterOpen(all), nil
}

// AssertionsForEntity returns every assertion whose subject is the given
// entity, traversing the outgoing evidence edges.
func (s *Store) AssertionsForEntity(ctx context.Context, ws, entityID string) ([]*types.AssertionRecord, error) {
	stmt := fmt.Sprintf("GO FROM %s OVER ASSERTED_REL YIELD dst(edge) AS aid", vid(entityID))
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if id := row.col(0).AsString(); id != "" {
			ids = append(ids, id)
		}
	}
	return s.GetAssertions(ctx, ws, ids)
}

// AssertionsByImportRun returns every assertion written by one run.
func (s *Store) AssertionsByImportRun(ctx context.Context, ws, runID string) ([]*types.AssertionRecord, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Assertion WHERE Assertion.import_run_id == %s YIELD %s",
		litString(runID), yieldAssertion(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	records, err := decodeAssertions(res)
	if err != nil {
		return nil, err
	}
	scoped := records[:0:0]
	for _, a := range records {
		if a.WorkspaceID == ws {
			scoped = append(scoped, a)
		}
	}
	return scoped, nil
}

// GetAssertions resolves a set of assertion IDs into records, filtering
// out anything from another workspace. Only assertion vertices come back;
// edge fan-out can also reach PropertyValue and Entity vertices, which
// FETCH PROP ON Assertion silently skips.
func (s *Store) GetAssertions(ctx context.Context, ws string, ids []string) ([]*types.AssertionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = vid(id)
	}
	stmt := fmt.Sprintf("FETCH PROP ON Assertion %s YIELD %s", strings.Join(quoted, ", "), yieldAssertion())
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	records, err := decodeAssertions(res)
	if err != nil {
		return nil, err
	}
	scoped := records[:0:0]
	for _, a := range records {
		if a.WorkspaceID == ws {
			scoped = append(scoped, a)
		}
	}
	return scoped, nil
}

// InsertAssertion writes one assertion vertex plus its two evidence edges:
// subject entity to assertion, assertion to object (a PropertyValue or the
// target entity). The object vertex must already exist.
func (s *Store) InsertAssertion(ctx context.Context, a *types.AssertionRecord, subjectID, objectID string) error {
	if subjectID == "" || objectID == "" {
		return types.Validationf("assertion %s needs both subject and object vertices", a.ID)
	}
	if _, err := ident(a.RelationshipType); err != nil {
		return err
	}
	stmt := fmt.Sprintf(
		"INSERT VERTEX Assertion (%s) VALUES %s:(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
		assertionCols, vid(a.ID),
		litString(a.WorkspaceID), litString(a.AssertionKey), litString(a.RelationshipType),
		litOptString(a.PropertyKey), litString(a.RawHash), litString(a.NormalizedHash),
		litString(string(a.SourceType)), litOptString(a.SourceRef), litOptString(a.SourceID),
		litOptString(a.ImportRunID), litTime(a.RecordedAt), litTime(a.ValidFrom),
		litOptTime(a.ValidTo), litString(a.ScenarioID), litFloat(a.Confidence),
		litOptString(a.Supersedes),
	)
	if _, err := s.exec(ctx, stmt); err != nil {
		return err
	}

	edges := fmt.Sprintf(
		"INSERT EDGE ASSERTED_REL (relationship_type) VALUES %s->%s:(%s), %s->%s:(%s)",
		vid(subjectID), vid(a.ID), litString(a.RelationshipType),
		vid(a.ID), vid(objectID), litString(a.RelationshipType),
	)
	_, err := s.exec(ctx, edges)
	return err
}

// CloseAssertion sets valid_to on an open assertion, the only mutation the
// append-only model permits. Re-closing is a conflict. The supersedes
// pointer lives on the successor record, written by its own insert.
func (s *Store) CloseAssertion(ctx context.Context, ws, id string, validTo time.Time) error {
	current, err := s.GetAssertions(ctx, ws, []string{id})
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return types.NotFoundf("assertion %s", id)
	}
	if !current[0].Open() {
		return types.Conflictf("assertion %s is already closed", id)
	}
	stmt := fmt.Sprintf("UPDATE VERTEX ON Assertion %s SET valid_to = %s", vid(id), litTime(validTo))
	_, err = s.exec(ctx, stmt)
	return err
}

// DeleteAssertionsByImportRun removes every assertion a run wrote, edges
// included. Used only to reap orphans from failed runs.
func (s *Store) DeleteAssertionsByImportRun(ctx context.Context, ws, runID string) (int, error) {
	records, err := s.AssertionsByImportRun(ctx, ws, runID)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	quoted := make([]string, len(records))
	for i, a := range records {
		quoted[i] = vid(a.ID)
	}
	stmt := fmt.Sprintf("DELETE VERTEX %s WITH EDGE", strings.Join(quoted, ", "))
	if _, err := s.exec(ctx, stmt); err != nil {
		return 0, err
	}
	return len(records), nil
}

// InsertPropertyValue writes one typed value vertex.
func (s *Store) InsertPropertyValue(ctx context.Context, pv *types.PropertyValue) error {
	stmt := fmt.Sprintf(
		"INSERT VERTEX PropertyValue (workspace_id, property_key, value, value_type) VALUES %s:(%s, %s, %s, %s)",
		vid(pv.ID), litString(pv.WorkspaceID), litString(pv.PropertyKey),
		litString(pv.Value), litString(string(pv.ValueType)),
	)
	_, err := s.exec(ctx, stmt)
	return err
}

// PropertyValueOf dereferences the object of a property assertion.
func (s *Store) PropertyValueOf(ctx context.Context, a *types.AssertionRecord) (*types.PropertyValue, error) {
	if !a.IsProperty() {
		return nil, types.Validationf("assertion %s is not a property assertion", a.ID)
	}
	stmt := fmt.Sprintf("GO FROM %s OVER ASSERTED_REL YIELD dst(edge) AS oid", vid(a.ID))
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("value for assertion %s", a.ID)
	}
	oid := res.Rows[0].col(0).AsString()
	fetch := fmt.Sprintf(
		"FETCH PROP ON PropertyValue %s YIELD id(vertex) AS vid, PropertyValue.workspace_id AS workspace_id, PropertyValue.property_key AS property_key, PropertyValue.value AS value, PropertyValue.value_type AS value_type",
		vid(oid),
	)
	res, err = s.execRead(ctx, fetch)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("property value %s", oid)
	}
	row := res.Rows[0]
	if err := rowWidth(row, 5); err != nil {
		return nil, err
	}
	return &types.PropertyValue{
		ID:          row.col(0).AsString(),
		WorkspaceID: row.col(1).AsString(),
		PropertyKey: row.col(2).AsString(),
		Value:       row.col(3).AsString(),
		ValueType:   types.ValueType(row.col(4).AsString()),
	}, nil
}

// TargetEntityOf dereferences the object of a relationship assertion.
func (s *Store) TargetEntityOf(ctx context.Context, a *types.AssertionRecord) (*types.Entity, error) {
	if a.IsProperty() {
		return nil, types.Validationf("assertion %s is a property assertion", a.ID)
	}
	stmt := fmt.Sprintf("GO FROM %s OVER ASSERTED_REL YIELD dst(edge) AS oid", vid(a.ID))
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("target of assertion %s", a.ID)
	}
	return s.GetEntity(ctx, a.WorkspaceID, res.Rows[0].col(0).AsString())
}
