package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergraph/evergraph/internal/graph"
	"github.com/evergraph/evergraph/internal/types"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeGW struct {
	entities   map[string]*types.Entity
	assertions map[string][]*types.AssertionRecord // by subject entity ID
	values     map[string]*types.PropertyValue     // by assertion ID
	authority  map[string]int
	runs       map[string]*types.ImportRun
	events     map[string]*types.ChangeEvent // by run ID
	created    []string
	closed     []string
	byID       map[string]*types.AssertionRecord

	lastFilter graph.SearchFilter
}

func (f *fakeGW) SearchEntities(_ context.Context, _ string, fl graph.SearchFilter) ([]*types.Entity, int, error) {
	f.lastFilter = fl
	return nil, 0, nil
}

func (f *fakeGW) GetEntity(_ context.Context, _, id string) (*types.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, types.NotFoundf("entity %s", id)
	}
	return e, nil
}

func (f *fakeGW) AssertionsForEntity(_ context.Context, _, entityID string) ([]*types.AssertionRecord, error) {
	return f.assertions[entityID], nil
}

func (f *fakeGW) GetAssertions(_ context.Context, _ string, ids []string) ([]*types.AssertionRecord, error) {
	var out []*types.AssertionRecord
	for _, id := range ids {
		if a, ok := f.byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeGW) AuthorityMap(context.Context, string) (map[string]int, error) {
	return f.authority, nil
}

func (f *fakeGW) PropertyValueOf(_ context.Context, a *types.AssertionRecord) (*types.PropertyValue, error) {
	pv, ok := f.values[a.ID]
	if !ok {
		return nil, types.NotFoundf("value for %s", a.ID)
	}
	return pv, nil
}

func (f *fakeGW) TargetEntityOf(_ context.Context, a *types.AssertionRecord) (*types.Entity, error) {
	return &types.Entity{ID: "target_of_" + a.ID}, nil
}

func (f *fakeGW) GetImportRun(_ context.Context, _, id string) (*types.ImportRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, types.NotFoundf("run %s", id)
	}
	return r, nil
}

func (f *fakeGW) ListImportRuns(_ context.Context, _, _ string, limit int) ([]*types.ImportRun, error) {
	var out []*types.ImportRun
	for _, r := range f.runs {
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGW) ChangeEventForRun(_ context.Context, _, runID string) (*types.ChangeEvent, error) {
	ev, ok := f.events[runID]
	if !ok {
		return nil, types.NotFoundf("event for %s", runID)
	}
	return ev, nil
}

func (f *fakeGW) EventAssertionIDs(context.Context, string) ([]string, []string, error) {
	return f.created, f.closed, nil
}

func prop(id, sourceID string, recordedAt time.Time) *types.AssertionRecord {
	return &types.AssertionRecord{
		ID:               id,
		WorkspaceID:      "ws1",
		AssertionKey:     "ws1:Location:1001:prop:region",
		RelationshipType: types.RelHasProperty,
		PropertyKey:      "region",
		SourceType:       types.SourceSpreadsheet,
		SourceID:         sourceID,
		RecordedAt:       recordedAt,
		ValidFrom:        t0.Add(-time.Hour),
		ScenarioID:       types.ScenarioBase,
		Confidence:       1.0,
	}
}

func detailFixture() *fakeGW {
	a1 := prop("asrt_a", "src_low", t0)
	a2 := prop("asrt_b", "src_high", t0.Add(-time.Minute))
	return &fakeGW{
		entities:   map[string]*types.Entity{"entity_1": {ID: "entity_1", WorkspaceID: "ws1", EntityType: "Location", PrimaryKey: "1001"}},
		assertions: map[string][]*types.AssertionRecord{"entity_1": {a1, a2}},
		values: map[string]*types.PropertyValue{
			"asrt_a": {ID: "pv_a", PropertyKey: "region", Value: "east", ValueType: types.ValueString},
			"asrt_b": {ID: "pv_b", PropertyKey: "region", Value: "west", ValueType: types.ValueString},
		},
		// src_high outranks src_low.
		authority: map[string]int{"src_high": 1, "src_low": 2},
	}
}

func newService(gw Gateway) *Service {
	s := New(gw, nil, nil)
	s.clock = func() time.Time { return t0 }
	return s
}

func TestSearchLimitDefaultsAndCaps(t *testing.T) {
	gw := &fakeGW{}
	s := newService(gw)

	_, err := s.Search(context.Background(), "ws1", SearchParams{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, gw.lastFilter.Limit)

	_, err = s.Search(context.Background(), "ws1", SearchParams{Limit: 9999})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, gw.lastFilter.Limit)

	_, err = s.Search(context.Background(), "ws1", SearchParams{Offset: -1})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDetailResolvedKeepsOnlyWinner(t *testing.T) {
	s := newService(detailFixture())

	d, err := s.Detail(context.Background(), "ws1", "entity_1", DetailOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.ViewResolved, d.View)
	assert.Equal(t, types.ScenarioBase, d.ScenarioID)
	require.Len(t, d.Properties["region"], 1)
	win := d.Properties["region"][0]
	assert.True(t, win.IsWinner)
	assert.Equal(t, "asrt_b", win.Assertion.ID, "higher authority wins over recency")
	require.NotNil(t, win.Value)
	assert.Equal(t, "west", win.Value.Value)
}

func TestDetailAllClaimsAnnotatesLosers(t *testing.T) {
	s := newService(detailFixture())

	d, err := s.Detail(context.Background(), "ws1", "entity_1", DetailOptions{View: types.ViewAllClaims})
	require.NoError(t, err)

	claims := d.Properties["region"]
	require.Len(t, claims, 2)
	assert.True(t, claims[0].IsWinner)
	assert.False(t, claims[1].IsWinner)
	assert.Equal(t, "authority", claims[1].LostBecause)
	assert.Equal(t, "east", claims[1].Value.Value, "losing claims still carry their value")
}

func TestDetailAsOfBeforeValidityShowsNothing(t *testing.T) {
	s := newService(detailFixture())

	past := t0.Add(-2 * time.Hour)
	d, err := s.Detail(context.Background(), "ws1", "entity_1", DetailOptions{AsOf: &past})
	require.NoError(t, err)
	assert.Empty(t, d.Properties)
}

func TestDetailUnknownViewRejected(t *testing.T) {
	s := newService(detailFixture())
	_, err := s.Detail(context.Background(), "ws1", "entity_1", DetailOptions{View: "sideways"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDetailUnknownEntity(t *testing.T) {
	s := newService(&fakeGW{entities: map[string]*types.Entity{}})
	_, err := s.Detail(context.Background(), "ws1", "entity_missing", DetailOptions{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDiffRequiresCommittedEvent(t *testing.T) {
	gw := &fakeGW{
		runs:   map[string]*types.ImportRun{"imp_1": {ID: "imp_1", Status: types.ImportFailed}},
		events: map[string]*types.ChangeEvent{},
	}
	s := newService(gw)

	_, err := s.Diff(context.Background(), "ws1", "imp_1")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestDiffResolvesAssertionSets(t *testing.T) {
	aNew := prop("asrt_new", "src", t0)
	aOld := prop("asrt_old", "src", t0.Add(-time.Hour))
	gw := &fakeGW{
		runs:    map[string]*types.ImportRun{"imp_1": {ID: "imp_1", Status: types.ImportOK}},
		events:  map[string]*types.ChangeEvent{"imp_1": {ID: "evt_1", ImportRunID: "imp_1"}},
		created: []string{"asrt_new"},
		closed:  []string{"asrt_old"},
		byID:    map[string]*types.AssertionRecord{"asrt_new": aNew, "asrt_old": aOld},
	}
	s := newService(gw)

	diff, err := s.Diff(context.Background(), "ws1", "imp_1")
	require.NoError(t, err)
	require.Len(t, diff.Created, 1)
	require.Len(t, diff.Closed, 1)
	assert.Equal(t, "asrt_new", diff.Created[0].ID)
	assert.Equal(t, "asrt_old", diff.Closed[0].ID)
}
