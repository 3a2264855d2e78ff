// Package ingest orchestrates one import: parse the source, upsert
// entities, detect changes against the open assertions, close what
// disappeared, refresh the derived property copies, and commit the batch
// under a single change event. Runs for the same workspace and spec are
// serialized; failures leave the run marked failed and its partial writes
// are reaped at the start of the next run.
package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/hashing"
	"github.com/evergraph/evergraph/internal/idgen"
	"github.com/evergraph/evergraph/internal/resolve"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/staging"
	"github.com/evergraph/evergraph/internal/telemetry"
	"github.com/evergraph/evergraph/internal/types"
)

// Gateway is the slice of the graph store the importer needs. The concrete
// store satisfies it; tests substitute an in-memory fake.
type Gateway interface {
	UpsertSource(ctx context.Context, src *types.Source) (*types.Source, error)
	AuthorityMap(ctx context.Context, ws string) (map[string]int, error)

	InsertImportRun(ctx context.Context, r *types.ImportRun) error
	FinishImportRun(ctx context.Context, id string, status types.ImportStatus, stats types.EventStats, errMsg string, finishedAt time.Time) error
	ListImportRuns(ctx context.Context, ws, specName string, limit int) ([]*types.ImportRun, error)
	PreviousCompletedRun(ctx context.Context, ws, specName, beforeRunID string) (*types.ImportRun, error)
	ChangeEventForRun(ctx context.Context, ws, runID string) (*types.ChangeEvent, error)
	DeleteAssertionsByImportRun(ctx context.Context, ws, runID string) (int, error)

	EnsureEntity(ctx context.Context, e *types.Entity) (*types.Entity, bool, error)
	OpenAssertionsForKey(ctx context.Context, ws, key string) ([]*types.AssertionRecord, error)
	OpenAssertionsBySource(ctx context.Context, ws, sourceID string) ([]*types.AssertionRecord, error)
	InsertAssertion(ctx context.Context, a *types.AssertionRecord, subjectID, objectID string) error
	CloseAssertion(ctx context.Context, ws, id string, validTo time.Time) error
	InsertPropertyValue(ctx context.Context, pv *types.PropertyValue) error
	InsertChangeEvent(ctx context.Context, ev *types.ChangeEvent, createdIDs, closedIDs []string) error

	AssertionsForEntity(ctx context.Context, ws, entityID string) ([]*types.AssertionRecord, error)
	PropertyValueOf(ctx context.Context, a *types.AssertionRecord) (*types.PropertyValue, error)
	SetResolvedProps(ctx context.Context, id string, props map[string]string, displayName string, now time.Time) error
}

// Request describes one import invocation.
type Request struct {
	SpecName string
	Filename string
	Data     io.Reader
	// Actor is recorded on the change event; defaults to "import".
	Actor string
}

// Outcome is what a finished run reports back.
type Outcome struct {
	Run   *types.ImportRun
	Event *types.ChangeEvent
}

// Importer drives the ingestion pipeline.
type Importer struct {
	gw      Gateway
	schemas *schema.Registry
	specs   *spec.Loader
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	clock func() time.Time
}

// New wires an importer.
func New(gw Gateway, schemas *schema.Registry, specs *spec.Loader, log *zap.Logger, metrics *telemetry.Metrics) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	return &Importer{
		gw:      gw,
		schemas: schemas,
		specs:   specs,
		log:     log,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// lockFor serializes runs per (workspace, spec).
func (im *Importer) lockFor(ws, specName string) *sync.Mutex {
	im.mu.Lock()
	defer im.mu.Unlock()
	key := ws + "|" + specName
	l, ok := im.locks[key]
	if !ok {
		l = &sync.Mutex{}
		im.locks[key] = l
	}
	return l
}

// Run executes one import end to end. The returned Outcome carries the run
// record even when the run failed; the error describes why.
func (im *Importer) Run(ctx context.Context, req Request) (*Outcome, error) {
	sp, err := im.specs.Load(req.SpecName)
	if err != nil {
		return nil, err
	}
	dom, err := im.schemas.Get(sp.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := sp.ValidateAgainst(dom); err != nil {
		return nil, err
	}

	tables, err := staging.ReadSource(req.Data, req.Filename)
	if err != nil {
		return nil, err
	}
	staged := staging.Parse(tables, sp, dom)

	lock := im.lockFor(sp.WorkspaceID, sp.SpecName)
	lock.Lock()
	defer lock.Unlock()

	im.reapOrphans(ctx, sp.WorkspaceID, sp.SpecName)

	now := im.clock()
	var sourceID string
	if src := sp.Source(); src != nil {
		src.ID = idgen.New(idgen.PrefixSource)
		registered, err := im.gw.UpsertSource(ctx, src)
		if err != nil {
			return nil, err
		}
		sourceID = registered.ID
	}

	run := &types.ImportRun{
		ID:             idgen.New(idgen.PrefixImport),
		WorkspaceID:    sp.WorkspaceID,
		SpecName:       sp.SpecName,
		SourceFilename: req.Filename,
		StartedAt:      now,
		Status:         types.ImportRunning,
	}
	if err := im.gw.InsertImportRun(ctx, run); err != nil {
		return nil, err
	}

	st := &runState{
		sp: sp, dom: dom, run: run, sourceID: sourceID, now: now,
		entities: make(map[string]*types.Entity),
		names:    make(map[string]string),
		seen:     make(map[string]bool),
	}

	if err := im.process(ctx, st, staged); err != nil {
		return im.fail(ctx, run, err)
	}
	if err := im.closeDisappeared(ctx, st); err != nil {
		return im.fail(ctx, run, err)
	}
	if err := im.materialize(ctx, st); err != nil {
		return im.fail(ctx, run, err)
	}

	actor := req.Actor
	if actor == "" {
		actor = "import"
	}
	// One event per run, zeros included: an idempotent re-import is itself
	// an auditable outcome.
	event := &types.ChangeEvent{
		ID:          idgen.New(idgen.PrefixEvent),
		WorkspaceID: sp.WorkspaceID,
		EventType:   types.EventImport,
		Timestamp:   im.clock(),
		Actor:       actor,
		Stats:       st.stats,
		Description: fmt.Sprintf("import %s: %d created, %d closed, %d unchanged", sp.SpecName, st.stats.Created, st.stats.Closed, st.stats.Unchanged),
		ImportRunID: run.ID,
	}
	if err := im.gw.InsertChangeEvent(ctx, event, st.createdIDs, st.closedIDs); err != nil {
		return im.fail(ctx, run, err)
	}

	run.Status = types.ImportOK
	run.Stats = st.stats
	finished := im.clock()
	run.FinishedAt = &finished
	if err := im.gw.FinishImportRun(ctx, run.ID, types.ImportOK, st.stats, "", finished); err != nil {
		return im.fail(ctx, run, err)
	}

	im.metrics.RecordImport(ctx, string(types.ImportOK), st.stats)
	im.log.Info("import complete",
		zap.String("workspace", sp.WorkspaceID),
		zap.String("spec", sp.SpecName),
		zap.String("run", run.ID),
		zap.Int("created", st.stats.Created),
		zap.Int("closed", st.stats.Closed),
		zap.Int("unchanged", st.stats.Unchanged),
	)
	return &Outcome{Run: run, Event: event}, nil
}

// fail marks the run failed and surfaces the cause. Partial assertion
// writes stay behind; the next run's orphan sweep removes them because a
// failed run never gets a change event.
func (im *Importer) fail(ctx context.Context, run *types.ImportRun, cause error) (*Outcome, error) {
	finished := im.clock()
	run.Status = types.ImportFailed
	run.Error = cause.Error()
	run.FinishedAt = &finished
	if err := im.gw.FinishImportRun(ctx, run.ID, types.ImportFailed, run.Stats, cause.Error(), finished); err != nil {
		im.log.Warn("marking run failed also failed", zap.String("run", run.ID), zap.Error(err))
	}
	im.metrics.RecordImport(ctx, string(types.ImportFailed), run.Stats)
	im.log.Error("import failed", zap.String("run", run.ID), zap.Error(cause))
	return &Outcome{Run: run}, cause
}

// reapOrphans deletes assertions written by failed runs of this spec. A
// run without a change event never committed, so its assertions are
// invisible garbage by construction.
func (im *Importer) reapOrphans(ctx context.Context, ws, specName string) {
	runs, err := im.gw.ListImportRuns(ctx, ws, specName, 0)
	if err != nil {
		im.log.Warn("orphan sweep: listing runs failed", zap.Error(err))
		return
	}
	for _, r := range runs {
		if r.Status != types.ImportFailed {
			continue
		}
		if _, err := im.gw.ChangeEventForRun(ctx, ws, r.ID); err == nil {
			continue
		}
		n, err := im.gw.DeleteAssertionsByImportRun(ctx, ws, r.ID)
		if err != nil {
			im.log.Warn("orphan sweep failed", zap.String("run", r.ID), zap.Error(err))
			continue
		}
		if n > 0 {
			im.log.Info("reaped orphaned assertions", zap.String("run", r.ID), zap.Int("count", n))
		}
	}
}

// runState accumulates the working set of one run.
type runState struct {
	sp       *spec.Spec
	dom      *schema.Domain
	run      *types.ImportRun
	sourceID string
	now      time.Time

	// entities caches ensured entities by type|pk; names carries the
	// display name the current file suggests for each entity ID.
	entities map[string]*types.Entity
	names    map[string]string
	// seen records every assertion key the current file asserts.
	seen map[string]bool

	stats      types.EventStats
	createdIDs []string
	closedIDs  []string
}

// process walks the staged rows, upserting entities and running change
// detection per candidate assertion.
func (im *Importer) process(ctx context.Context, st *runState, staged []staging.StagedRow) error {
	for _, row := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}

		byAlias := make(map[string]*types.Entity, len(row.Entities))
		for _, ec := range row.Entities {
			e, err := im.ensure(ctx, st, ec)
			if err != nil {
				return err
			}
			byAlias[ec.Alias] = e

			// A null-token cell carries no value: it asserts nothing, and
			// the disappearance sweep closes any prior claim for its key.
			for _, pc := range ec.Properties {
				if hashing.IsNullToken(pc.Cell, st.sp.ChangeDetection.NormalizationRules) {
					continue
				}
				if err := im.detectProperty(ctx, st, &row, ec, e, pc); err != nil {
					return err
				}
			}
		}

		for _, rc := range row.Relationships {
			from, to := byAlias[rc.FromAlias], byAlias[rc.ToAlias]
			if from == nil || to == nil {
				continue
			}
			if err := im.detectRelationship(ctx, st, &row, rc, from, to); err != nil {
				return err
			}
		}
	}
	return nil
}

func (im *Importer) ensure(ctx context.Context, st *runState, ec staging.EntityCandidate) (*types.Entity, error) {
	cacheKey := ec.EntityType + "|" + ec.PrimaryKey
	if e, ok := st.entities[cacheKey]; ok {
		return e, nil
	}
	e, _, err := im.gw.EnsureEntity(ctx, &types.Entity{
		ID:          idgen.New(idgen.PrefixEntity),
		WorkspaceID: st.sp.WorkspaceID,
		EntityType:  ec.EntityType,
		PrimaryKey:  ec.PrimaryKey,
		DisplayName: ec.DisplayName,
		CreatedAt:   st.now,
		UpdatedAt:   st.now,
	})
	if err != nil {
		return nil, err
	}
	st.entities[cacheKey] = e
	st.names[e.ID] = ec.DisplayName
	return e, nil
}

// detectProperty applies the per-source outcome table to one property
// candidate: no prior claim creates, identical hash keeps, changed hash
// closes and supersedes.
func (im *Importer) detectProperty(ctx context.Context, st *runState, row *staging.StagedRow, ec staging.EntityCandidate, subject *types.Entity, pc staging.PropertyCandidate) error {
	ser := st.sp.RawHashSerialization
	rules := st.sp.ChangeDetection.NormalizationRules

	key := hashing.PropertyKey(st.sp.WorkspaceID, ec.EntityType, ec.PrimaryKey, pc.Key)
	st.seen[key] = true

	rawHash := hashing.ValueHash(pc.Key, pc.Cell, ser)
	normHash := hashing.NormalizedValueHash(pc.Key, pc.Cell, ser, rules)

	existing, err := im.existingClaim(ctx, st, key)
	if err != nil {
		return err
	}
	if existing != nil && st.currentHash(existing) == st.candidateHash(rawHash, normHash) {
		st.stats.Unchanged++
		return nil
	}

	supersedes := ""
	if existing != nil {
		if err := im.gw.CloseAssertion(ctx, st.sp.WorkspaceID, existing.ID, st.now); err != nil {
			return err
		}
		st.stats.Closed++
		st.closedIDs = append(st.closedIDs, existing.ID)
		supersedes = existing.ID
	}

	pv := &types.PropertyValue{
		ID:          idgen.New(idgen.PrefixProperty),
		WorkspaceID: st.sp.WorkspaceID,
		PropertyKey: pc.Key,
		Value:       pc.Cell.Value,
		ValueType:   pc.Cell.Type,
	}
	if err := im.gw.InsertPropertyValue(ctx, pv); err != nil {
		return err
	}

	a := &types.AssertionRecord{
		ID:               idgen.New(idgen.PrefixAssertion),
		WorkspaceID:      st.sp.WorkspaceID,
		AssertionKey:     key,
		RelationshipType: types.RelHasProperty,
		PropertyKey:      pc.Key,
		RawHash:          rawHash,
		NormalizedHash:   normHash,
		SourceType:       types.SourceSpreadsheet,
		SourceRef:        row.SourceRef(),
		SourceID:         st.sourceID,
		ImportRunID:      st.run.ID,
		RecordedAt:       st.now,
		ValidFrom:        st.now,
		ScenarioID:       types.ScenarioBase,
		Confidence:       1.0,
		Supersedes:       supersedes,
	}
	if err := im.gw.InsertAssertion(ctx, a, subject.ID, pv.ID); err != nil {
		return err
	}
	st.stats.Created++
	st.createdIDs = append(st.createdIDs, a.ID)
	return nil
}

// detectRelationship runs the same outcome table for a relationship
// candidate. Relationship identity is its endpoints, so both hashes are
// the identity hash and a re-sighting is always unchanged.
func (im *Importer) detectRelationship(ctx context.Context, st *runState, row *staging.StagedRow, rc staging.RelationshipCandidate, from, to *types.Entity) error {
	key := hashing.RelationshipKey(st.sp.WorkspaceID, from.EntityType, from.PrimaryKey, rc.RelationshipType, to.EntityType, to.PrimaryKey)
	st.seen[key] = true

	existing, err := im.existingClaim(ctx, st, key)
	if err != nil {
		return err
	}
	if existing != nil {
		st.stats.Unchanged++
		return nil
	}

	identity := hashing.IdentityHash(key)
	a := &types.AssertionRecord{
		ID:               idgen.New(idgen.PrefixAssertion),
		WorkspaceID:      st.sp.WorkspaceID,
		AssertionKey:     key,
		RelationshipType: rc.RelationshipType,
		RawHash:          identity,
		NormalizedHash:   identity,
		SourceType:       types.SourceSpreadsheet,
		SourceRef:        row.SourceRef(),
		SourceID:         st.sourceID,
		ImportRunID:      st.run.ID,
		RecordedAt:       st.now,
		ValidFrom:        st.now,
		ScenarioID:       types.ScenarioBase,
		Confidence:       1.0,
	}
	if err := im.gw.InsertAssertion(ctx, a, from.ID, to.ID); err != nil {
		return err
	}
	st.stats.Created++
	st.createdIDs = append(st.createdIDs, a.ID)
	return nil
}

// existingClaim finds this source's open base-scenario assertion for a
// key. Claims from other sources or scenarios are left alone; resolution
// arbitrates between sources, not ingestion. At most one such record may be
// open per key; finding two means the store is corrupt and the run must not
// make it worse.
func (im *Importer) existingClaim(ctx context.Context, st *runState, key string) (*types.AssertionRecord, error) {
	open, err := im.gw.OpenAssertionsForKey(ctx, st.sp.WorkspaceID, key)
	if err != nil {
		return nil, err
	}
	var found *types.AssertionRecord
	for _, a := range open {
		if a.ScenarioID != types.ScenarioBase || a.SourceID != st.sourceID || a.SourceType != types.SourceSpreadsheet {
			continue
		}
		if found != nil {
			return nil, types.Internalf("key %s has multiple open assertions for source %s (%s, %s)", key, st.sourceID, found.ID, a.ID)
		}
		found = a
	}
	return found, nil
}

func (st *runState) currentHash(a *types.AssertionRecord) string {
	if st.sp.ChangeDetection.Mode == spec.ModeNormalized {
		return a.NormalizedHash
	}
	return a.RawHash
}

func (st *runState) candidateHash(raw, normalized string) string {
	if st.sp.ChangeDetection.Mode == spec.ModeNormalized {
		return normalized
	}
	return raw
}

// closeDisappeared closes this source's open assertions whose keys the
// current file no longer asserts. Without a registered source the sweep is
// skipped: there is no safe scope to close within. It is also skipped when
// this spec has no completed run yet, so a first import never closes claims
// another spec wrote through a shared source.
func (im *Importer) closeDisappeared(ctx context.Context, st *runState) error {
	if st.sourceID == "" {
		return nil
	}
	prev, err := im.gw.PreviousCompletedRun(ctx, st.sp.WorkspaceID, st.sp.SpecName, st.run.ID)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	open, err := im.gw.OpenAssertionsBySource(ctx, st.sp.WorkspaceID, st.sourceID)
	if err != nil {
		return err
	}
	for _, a := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.ScenarioID != types.ScenarioBase || a.SourceType != types.SourceSpreadsheet {
			continue
		}
		if st.seen[a.AssertionKey] {
			continue
		}
		if err := im.gw.CloseAssertion(ctx, st.sp.WorkspaceID, a.ID, st.now); err != nil {
			return err
		}
		st.stats.Closed++
		st.closedIDs = append(st.closedIDs, a.ID)
	}
	return nil
}

// materialize refreshes the derived resolved_props copy on every entity
// the run touched. The copy is a convenience for listing; assertions stay
// authoritative.
func (im *Importer) materialize(ctx context.Context, st *runState) error {
	authority, err := im.gw.AuthorityMap(ctx, st.sp.WorkspaceID)
	if err != nil {
		return err
	}
	params := resolve.Params{AsOf: st.now, Authority: authority}

	for _, e := range st.entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := im.gw.AssertionsForEntity(ctx, st.sp.WorkspaceID, e.ID)
		if err != nil {
			return err
		}
		props := make(map[string]string)
		for _, w := range resolve.ResolveAll(records, params) {
			if !w.IsProperty() {
				continue
			}
			pv, err := im.gw.PropertyValueOf(ctx, w)
			if err != nil {
				return err
			}
			props[w.PropertyKey] = pv.Value
		}
		if err := im.gw.SetResolvedProps(ctx, e.ID, props, st.names[e.ID], st.now); err != nil {
			return err
		}
	}
	return nil
}
