package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergraph/evergraph/internal/types"
)

// fakeRunner replays a scripted sequence of results and records every
// statement it was handed.
type fakeRunner struct {
	stmts   []string
	results []*Result
	errs    []error
}

func (f *fakeRunner) Execute(_ context.Context, stmt string) (*Result, error) {
	f.stmts = append(f.stmts, stmt)
	i := len(f.stmts) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	res := &Result{}
	if i < len(f.results) && f.results[i] != nil {
		res = f.results[i]
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *fakeRunner) Close() {}

func (f *fakeRunner) last() string { return f.stmts[len(f.stmts)-1] }

var now = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func entityRow(id, ws, etype, pk, name string) Row {
	return Row{S(id), S(ws), S(etype), S(pk), S(name), T(now), T(now), Null()}
}

func assertionRow(id, key string, validTo Value) Row {
	return Row{
		S(id), S("ws1"), S(key), S(types.RelHasProperty), S("speed"),
		S(strings.Repeat("a", 64)), S(strings.Repeat("b", 64)),
		S("spreadsheet"), S("sheet:S,row:2"), S("src_1"), S("imp_1"),
		T(now), T(now), validTo, S(types.ScenarioBase), F(1.0), Null(),
	}
}

func TestEscapeString(t *testing.T) {
	assert.Equal(t, `'plain'`, escapeString("plain"))
	assert.Equal(t, `'it\'s'`, escapeString("it's"))
	assert.Equal(t, `'a\\b'`, escapeString(`a\b`))
	assert.Equal(t, `'line\nbreak'`, escapeString("line\nbreak"))
}

func TestIdentRejectsReservedAndMalformed(t *testing.T) {
	_, err := ident("timestamp")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = ident("drop;table")
	assert.ErrorIs(t, err, types.ErrValidation)

	got, err := ident("valid_from")
	require.NoError(t, err)
	assert.Equal(t, "valid_from", got)
}

func TestFindEntityDecodes(t *testing.T) {
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{entityRow("entity_x", "ws1", "Location", "1001", "East DC")}},
	}}
	s := New(fake, nil)

	e, err := s.FindEntity(context.Background(), "ws1", "Location", "1001")
	require.NoError(t, err)
	assert.Equal(t, "entity_x", e.ID)
	assert.Equal(t, "East DC", e.DisplayName)
	assert.Contains(t, fake.last(), "LOOKUP ON Entity")
	assert.Contains(t, fake.last(), "Entity.primary_key == '1001'")
}

func TestFindEntityNotFound(t *testing.T) {
	s := New(&fakeRunner{}, nil)
	_, err := s.FindEntity(context.Background(), "ws1", "Location", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInsertEntityConflictOnDuplicate(t *testing.T) {
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{entityRow("entity_x", "ws1", "Location", "1001", "")}},
	}}
	s := New(fake, nil)

	err := s.InsertEntity(context.Background(), &types.Entity{
		ID: "entity_y", WorkspaceID: "ws1", EntityType: "Location", PrimaryKey: "1001",
		CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestEnsureEntityInsertsOnFirstSighting(t *testing.T) {
	// EnsureEntity: find (miss), InsertEntity's own find (miss), insert.
	fake := &fakeRunner{}
	s := New(fake, nil)

	e := &types.Entity{ID: "entity_z", WorkspaceID: "ws1", EntityType: "Device", PrimaryKey: "d9", CreatedAt: now, UpdatedAt: now}
	got, created, err := s.EnsureEntity(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "entity_z", got.ID)
	assert.Contains(t, fake.last(), "INSERT VERTEX Entity")
}

func TestOpenAssertionsFiltersClosed(t *testing.T) {
	closedAt := T(now.Add(-time.Hour))
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{
			assertionRow("asrt_open", "ws1:Connection:c1:prop:speed", Null()),
			assertionRow("asrt_closed", "ws1:Connection:c1:prop:speed", closedAt),
		}},
	}}
	s := New(fake, nil)

	open, err := s.OpenAssertionsForKey(context.Background(), "ws1", "ws1:Connection:c1:prop:speed")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "asrt_open", open[0].ID)
	assert.Nil(t, open[0].ValidTo)
}

func TestInsertAssertionWritesVertexAndEdges(t *testing.T) {
	fake := &fakeRunner{}
	s := New(fake, nil)

	a := &types.AssertionRecord{
		ID: "asrt_1", WorkspaceID: "ws1", AssertionKey: "ws1:Location:1001:prop:region",
		RelationshipType: types.RelHasProperty, PropertyKey: "region",
		RawHash: strings.Repeat("a", 64), NormalizedHash: strings.Repeat("b", 64),
		SourceType: types.SourceSpreadsheet, RecordedAt: now, ValidFrom: now,
		ScenarioID: types.ScenarioBase, Confidence: 1.0,
	}
	require.NoError(t, s.InsertAssertion(context.Background(), a, "entity_x", "pv_1"))

	require.Len(t, fake.stmts, 2)
	assert.Contains(t, fake.stmts[0], "INSERT VERTEX Assertion")
	assert.Contains(t, fake.stmts[0], "NULL") // open valid_to
	assert.Contains(t, fake.stmts[1], "INSERT EDGE ASSERTED_REL")
	assert.Contains(t, fake.stmts[1], "'entity_x'->'asrt_1'")
	assert.Contains(t, fake.stmts[1], "'asrt_1'->'pv_1'")
}

func TestCloseAssertionRefusesReclose(t *testing.T) {
	closedAt := T(now.Add(-time.Hour))
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{assertionRow("asrt_1", "k", closedAt)}},
	}}
	s := New(fake, nil)

	err := s.CloseAssertion(context.Background(), "ws1", "asrt_1", now)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestCloseAssertionSetsValidTo(t *testing.T) {
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{assertionRow("asrt_1", "k", Null())}},
	}}
	s := New(fake, nil)

	require.NoError(t, s.CloseAssertion(context.Background(), "ws1", "asrt_1", now))
	assert.Contains(t, fake.last(), "UPDATE VERTEX ON Assertion 'asrt_1' SET valid_to = datetime(")
}

func TestInsertChangeEventFansOutEdges(t *testing.T) {
	fake := &fakeRunner{}
	s := New(fake, nil)

	ev := &types.ChangeEvent{
		ID: "evt_1", WorkspaceID: "ws1", EventType: types.EventImport,
		Timestamp: now, Actor: "import", ImportRunID: "imp_1",
		Stats: types.EventStats{Created: 2, Closed: 1},
	}
	require.NoError(t, s.InsertChangeEvent(context.Background(), ev, []string{"asrt_a", "asrt_b"}, []string{"asrt_c"}))

	require.Len(t, fake.stmts, 4)
	assert.Contains(t, fake.stmts[0], "INSERT VERTEX ChangeEvent")
	assert.Contains(t, fake.stmts[1], "INSERT EDGE TRIGGERED_BY")
	assert.Contains(t, fake.stmts[2], "INSERT EDGE CREATED_ASSERTION")
	assert.Contains(t, fake.stmts[2], "'evt_1'->'asrt_a'")
	assert.Contains(t, fake.stmts[3], "INSERT EDGE CLOSED_ASSERTION")
}

func TestListImportRunsNewestFirst(t *testing.T) {
	runRow := func(id string, started time.Time) Row {
		return Row{S(id), S("ws1"), S("locations"), S("f.xlsx"), T(started), Null(), S("ok"), S(""), Null()}
	}
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{
			runRow("imp_old", now.Add(-2*time.Hour)),
			runRow("imp_new", now),
			runRow("imp_mid", now.Add(-time.Hour)),
		}},
	}}
	s := New(fake, nil)

	runs, err := s.ListImportRuns(context.Background(), "ws1", "locations", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "imp_new", runs[0].ID)
	assert.Equal(t, "imp_mid", runs[1].ID)
}

func TestPreviousCompletedRunSkipsCurrentAndFailed(t *testing.T) {
	runRow := func(id, status string, started time.Time) Row {
		return Row{S(id), S("ws1"), S("locations"), S("f.xlsx"), T(started), Null(), S(status), S(""), Null()}
	}
	fake := &fakeRunner{results: []*Result{
		{Rows: []Row{
			runRow("imp_current", "running", now),
			runRow("imp_failed", "failed", now.Add(-time.Hour)),
			runRow("imp_good", "ok", now.Add(-2*time.Hour)),
		}},
	}}
	s := New(fake, nil)

	prev, err := s.PreviousCompletedRun(context.Background(), "ws1", "locations", "imp_current")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "imp_good", prev.ID)
}

func TestUpsertSourceKeepsExistingID(t *testing.T) {
	srcRow := Row{S("src_old"), S("ws1"), S("master.xlsx"), S("spreadsheet"), I(3), Null()}
	fake := &fakeRunner{results: []*Result{{Rows: []Row{srcRow}}}}
	s := New(fake, nil)

	got, err := s.UpsertSource(context.Background(), &types.Source{
		ID: "src_new", WorkspaceID: "ws1", SourceName: "master.xlsx",
		SourceType: types.SourceSpreadsheet, AuthorityRank: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "src_old", got.ID, "existing source keeps its identity")
	assert.Equal(t, 1, got.AuthorityRank, "rank refreshed from input")
	assert.Contains(t, fake.last(), "UPDATE VERTEX ON Source")
}

func TestAuthorityMap(t *testing.T) {
	fake := &fakeRunner{results: []*Result{{Rows: []Row{
		{S("src_a"), S("ws1"), S("a.xlsx"), S("spreadsheet"), I(1), Null()},
		{S("src_b"), S("ws1"), S("b.xlsx"), S("spreadsheet"), I(2), Null()},
	}}}}
	s := New(fake, nil)

	m, err := s.AuthorityMap(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"src_a": 1, "src_b": 2}, m)
}

func TestSearchEntitiesPaginationAndQuery(t *testing.T) {
	fake := &fakeRunner{results: []*Result{{Rows: []Row{
		entityRow("e1", "ws1", "Location", "berlin-1", "Berlin DC"),
		entityRow("e2", "ws1", "Location", "austin-1", "Austin DC"),
		entityRow("e3", "ws1", "Device", "d-9", "Router"),
	}}}}
	s := New(fake, nil)

	page, total, err := s.SearchEntities(context.Background(), "ws1", SearchFilter{Query: "dc", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "austin-1", page[0].PrimaryKey, "ordered by type then primary key")
}

func TestParseStoreTime(t *testing.T) {
	got, ok := parseStoreTime("2026-04-01T09:30:00.000000")
	require.True(t, ok)
	assert.Equal(t, now, got)

	_, ok = parseStoreTime("not a time")
	assert.False(t, ok)
}

func TestConflictMessageClassification(t *testing.T) {
	conflicts := []string{
		"Space `evergraph` existed",
		"Tag `Entity` existed!",
		"Edge `ASSERTED_REL` already exists",
	}
	for _, msg := range conflicts {
		assert.True(t, isConflictMsg(msg), msg)
	}

	storeErrors := []string{
		"Space does not exist",
		"Tag not exist: `Ghost`",
		"IndexNotFound: Index not exist",
		"Storage Error: part leader changed",
	}
	for _, msg := range storeErrors {
		assert.False(t, isConflictMsg(msg), msg)
	}
}
