// Package query is the read surface: workspace-scoped entity search,
// entity detail in resolved or all-claims view, import run listings and
// per-run diffs. It never mutates the graph.
package query

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evergraph/evergraph/internal/graph"
	"github.com/evergraph/evergraph/internal/resolve"
	"github.com/evergraph/evergraph/internal/telemetry"
	"github.com/evergraph/evergraph/internal/types"
)

// Page size bounds for entity search.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Gateway is the read slice of the graph store the query surface uses.
type Gateway interface {
	SearchEntities(ctx context.Context, ws string, f graph.SearchFilter) ([]*types.Entity, int, error)
	GetEntity(ctx context.Context, ws, id string) (*types.Entity, error)
	AssertionsForEntity(ctx context.Context, ws, entityID string) ([]*types.AssertionRecord, error)
	GetAssertions(ctx context.Context, ws string, ids []string) ([]*types.AssertionRecord, error)
	AuthorityMap(ctx context.Context, ws string) (map[string]int, error)
	PropertyValueOf(ctx context.Context, a *types.AssertionRecord) (*types.PropertyValue, error)
	TargetEntityOf(ctx context.Context, a *types.AssertionRecord) (*types.Entity, error)
	GetImportRun(ctx context.Context, ws, id string) (*types.ImportRun, error)
	ListImportRuns(ctx context.Context, ws, specName string, limit int) ([]*types.ImportRun, error)
	ChangeEventForRun(ctx context.Context, ws, runID string) (*types.ChangeEvent, error)
	EventAssertionIDs(ctx context.Context, eventID string) (created, closed []string, err error)
}

// Service answers read queries.
type Service struct {
	gw      Gateway
	log     *zap.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// New wires a query service.
func New(gw Gateway, log *zap.Logger, metrics *telemetry.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	return &Service{
		gw:      gw,
		log:     log,
		metrics: metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// SearchParams narrows and pages an entity search.
type SearchParams struct {
	EntityType string
	PrimaryKey string
	Query      string
	Limit      int
	Offset     int
}

// SearchResult is one page of entities plus the total match count.
type SearchResult struct {
	Entities []*types.Entity `json:"entities"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// Search lists entities in a workspace. Limit defaults to 50, capped at
// 500; a negative offset is a validation error.
func (s *Service) Search(ctx context.Context, ws string, p SearchParams) (*SearchResult, error) {
	start := s.clock()
	defer func() { s.metrics.RecordQuery(ctx, "entity_search", time.Since(start)) }()

	if p.Offset < 0 {
		return nil, types.Validationf("offset must not be negative")
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}

	entities, total, err := s.gw.SearchEntities(ctx, ws, graph.SearchFilter{
		EntityType: p.EntityType,
		PrimaryKey: p.PrimaryKey,
		Query:      p.Query,
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &SearchResult{Entities: entities, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

// DetailOptions select the view of an entity read.
type DetailOptions struct {
	View       types.ViewMode
	ScenarioID string
	// AsOf defaults to now: the current state of knowledge.
	AsOf *time.Time
}

// Claim is one assertion with its resolution outcome and dereferenced
// object: the typed value for property claims, the target entity for
// relationship claims.
type Claim struct {
	Assertion   *types.AssertionRecord `json:"assertion"`
	IsWinner    bool                   `json:"is_winner"`
	LostBecause string                 `json:"lost_because,omitempty"`
	Value       *types.PropertyValue   `json:"value,omitempty"`
	Target      *types.Entity          `json:"target,omitempty"`
}

// EntityDetail is the full read of one entity.
type EntityDetail struct {
	Entity        *types.Entity      `json:"entity"`
	View          types.ViewMode     `json:"view"`
	ScenarioID    string             `json:"scenario_id"`
	AsOf          time.Time          `json:"as_of"`
	Properties    map[string][]Claim `json:"properties"`
	Relationships []Claim            `json:"relationships"`
}

// Detail reads one entity with its claims. The resolved view keeps only
// winners; all_claims annotates every temporal survivor with why it lost.
func (s *Service) Detail(ctx context.Context, ws, entityID string, opts DetailOptions) (*EntityDetail, error) {
	start := s.clock()
	defer func() { s.metrics.RecordQuery(ctx, "entity_detail", time.Since(start)) }()

	view := opts.View
	if view == "" {
		view = types.ViewResolved
	}
	if view != types.ViewResolved && view != types.ViewAllClaims {
		return nil, types.Validationf("unknown view %q", view)
	}
	asOf := s.clock()
	if opts.AsOf != nil {
		asOf = opts.AsOf.UTC()
	}

	// Entity, claims and authority ranks are independent reads.
	var (
		entity    *types.Entity
		records   []*types.AssertionRecord
		authority map[string]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entity, err = s.gw.GetEntity(gctx, ws, entityID)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = s.gw.AssertionsForEntity(gctx, ws, entityID)
		return err
	})
	g.Go(func() error {
		var err error
		authority, err = s.gw.AuthorityMap(gctx, ws)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	params := resolve.Params{ScenarioID: opts.ScenarioID, AsOf: asOf, Authority: authority}
	detail := &EntityDetail{
		Entity:     entity,
		View:       view,
		ScenarioID: params.ScenarioID,
		AsOf:       asOf,
		Properties: make(map[string][]Claim),
	}
	if detail.ScenarioID == "" {
		detail.ScenarioID = types.ScenarioBase
	}

	for _, group := range resolve.GroupByKey(records) {
		claims := resolve.Claims(group, params)
		for _, c := range claims {
			if view == types.ViewResolved && !c.IsWinner {
				continue
			}
			cv, err := s.deref(ctx, c)
			if err != nil {
				return nil, err
			}
			if c.IsProperty() {
				detail.Properties[c.PropertyKey] = append(detail.Properties[c.PropertyKey], cv)
			} else {
				detail.Relationships = append(detail.Relationships, cv)
			}
		}
	}
	for k := range detail.Properties {
		sortClaims(detail.Properties[k])
	}
	sortClaims(detail.Relationships)
	return detail, nil
}

// deref attaches the claim's object.
func (s *Service) deref(ctx context.Context, c resolve.Claim) (Claim, error) {
	out := Claim{Assertion: c.AssertionRecord, IsWinner: c.IsWinner, LostBecause: c.LostBecause}
	var err error
	if c.IsProperty() {
		out.Value, err = s.gw.PropertyValueOf(ctx, c.AssertionRecord)
	} else {
		out.Target, err = s.gw.TargetEntityOf(ctx, c.AssertionRecord)
	}
	return out, err
}

func sortClaims(claims []Claim) {
	sort.SliceStable(claims, func(i, j int) bool {
		if claims[i].IsWinner != claims[j].IsWinner {
			return claims[i].IsWinner
		}
		return claims[i].Assertion.ID < claims[j].Assertion.ID
	})
}

// Runs lists import runs, newest first.
func (s *Service) Runs(ctx context.Context, ws, specName string, limit int) ([]*types.ImportRun, error) {
	start := s.clock()
	defer func() { s.metrics.RecordQuery(ctx, "import_runs", time.Since(start)) }()
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return s.gw.ListImportRuns(ctx, ws, specName, limit)
}

// RunDetail is one run with its change event, when the run committed one.
type RunDetail struct {
	Run   *types.ImportRun   `json:"run"`
	Event *types.ChangeEvent `json:"event,omitempty"`
}

// Run reads one import run.
func (s *Service) Run(ctx context.Context, ws, runID string) (*RunDetail, error) {
	start := s.clock()
	defer func() { s.metrics.RecordQuery(ctx, "import_run", time.Since(start)) }()

	run, err := s.gw.GetImportRun(ctx, ws, runID)
	if err != nil {
		return nil, err
	}
	out := &RunDetail{Run: run}
	if ev, err := s.gw.ChangeEventForRun(ctx, ws, runID); err == nil {
		out.Event = ev
	} else if types.ErrorCode(err) != "not_found" {
		return nil, err
	}
	return out, nil
}

// RunDiff is what one import changed: the assertions it opened and the
// ones it closed.
type RunDiff struct {
	Run     *types.ImportRun         `json:"run"`
	Event   *types.ChangeEvent       `json:"event"`
	Created []*types.AssertionRecord `json:"created"`
	Closed  []*types.AssertionRecord `json:"closed"`
}

// Diff reconstructs a run's effect from its change event edges. Runs that
// never committed an event (failed or still running) are a conflict to
// diff.
func (s *Service) Diff(ctx context.Context, ws, runID string) (*RunDiff, error) {
	start := s.clock()
	defer func() { s.metrics.RecordQuery(ctx, "import_diff", time.Since(start)) }()

	run, err := s.gw.GetImportRun(ctx, ws, runID)
	if err != nil {
		return nil, err
	}
	event, err := s.gw.ChangeEventForRun(ctx, ws, runID)
	if err != nil {
		if types.ErrorCode(err) == "not_found" {
			return nil, types.Conflictf("run %s has no committed change event", runID)
		}
		return nil, err
	}
	createdIDs, closedIDs, err := s.gw.EventAssertionIDs(ctx, event.ID)
	if err != nil {
		return nil, err
	}

	var created, closed []*types.AssertionRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		created, err = s.gw.GetAssertions(gctx, ws, createdIDs)
		return err
	})
	g.Go(func() error {
		var err error
		closed, err = s.gw.GetAssertions(gctx, ws, closedIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &RunDiff{Run: run, Event: event, Created: created, Closed: closed}, nil
}
