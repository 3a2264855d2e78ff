package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

const eventCols = "workspace_id, event_type, ts, actor, stats, descr, import_run_id"

func yieldEvent() string {
	parts := []string{"id(vertex) AS vid"}
	for _, c := range strings.Split(eventCols, ", ") {
		parts = append(parts, fmt.Sprintf("ChangeEvent.%s AS %s", c, c))
	}
	return strings.Join(parts, ", ")
}

func decodeEvent(row Row) (*types.ChangeEvent, error) {
	if err := rowWidth(row, 8); err != nil {
		return nil, err
	}
	return &types.ChangeEvent{
		ID:          row.col(0).AsString(),
		WorkspaceID: row.col(1).AsString(),
		EventType:   types.EventType(row.col(2).AsString()),
		Timestamp:   row.col(3).AsTime(),
		Actor:       row.col(4).AsString(),
		Stats:       types.ParseEventStats(row.col(5).AsString()),
		Description: row.col(6).AsString(),
		ImportRunID: row.col(7).AsString(),
	}, nil
}

// InsertChangeEvent writes the event vertex and fans out its causal edges:
// TRIGGERED_BY to the import run, CREATED_ASSERTION and CLOSED_ASSERTION
// to every assertion the batch touched. The event is the last write of a
// run, so its presence marks the batch as committed.
func (s *Store) InsertChangeEvent(ctx context.Context, ev *types.ChangeEvent, createdIDs, closedIDs []string) error {
	stmt := fmt.Sprintf(
		"INSERT VERTEX ChangeEvent (%s) VALUES %s:(%s, %s, %s, %s, %s, %s, %s)",
		eventCols, vid(ev.ID),
		litString(ev.WorkspaceID), litString(string(ev.EventType)), litTime(ev.Timestamp),
		litOptString(ev.Actor), litString(ev.Stats.Marshal()), litOptString(ev.Description),
		litOptString(ev.ImportRunID),
	)
	if _, err := s.exec(ctx, stmt); err != nil {
		return err
	}

	if ev.ImportRunID != "" {
		edge := fmt.Sprintf("INSERT EDGE TRIGGERED_BY () VALUES %s->%s:()", vid(ev.ID), vid(ev.ImportRunID))
		if _, err := s.exec(ctx, edge); err != nil {
			return err
		}
	}
	if err := s.insertEventEdges(ctx, "CREATED_ASSERTION", ev.ID, createdIDs); err != nil {
		return err
	}
	return s.insertEventEdges(ctx, "CLOSED_ASSERTION", ev.ID, closedIDs)
}

// insertEventEdges batches edge inserts to keep statements bounded.
func (s *Store) insertEventEdges(ctx context.Context, edgeType, eventID string, assertionIDs []string) error {
	const batch = 128
	for start := 0; start < len(assertionIDs); start += batch {
		end := start + batch
		if end > len(assertionIDs) {
			end = len(assertionIDs)
		}
		pairs := make([]string, 0, end-start)
		for _, aid := range assertionIDs[start:end] {
			pairs = append(pairs, fmt.Sprintf("%s->%s:()", vid(eventID), vid(aid)))
		}
		stmt := fmt.Sprintf("INSERT EDGE %s () VALUES %s", edgeType, strings.Join(pairs, ", "))
		if _, err := s.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ChangeEventForRun finds the event a completed run emitted. ErrNotFound
// for runs that never reached the commit step.
func (s *Store) ChangeEventForRun(ctx context.Context, ws, runID string) (*types.ChangeEvent, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON ChangeEvent WHERE ChangeEvent.import_run_id == %s YIELD %s",
		litString(runID), yieldEvent(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return nil, err
		}
		if ev.WorkspaceID == ws {
			return ev, nil
		}
	}
	return nil, types.NotFoundf("change event for run %s", runID)
}

// EventAssertionIDs returns the created and closed assertion ID sets an
// event points at, sorted for stable diffs.
func (s *Store) EventAssertionIDs(ctx context.Context, eventID string) (created, closed []string, err error) {
	created, err = s.edgeTargets(ctx, "CREATED_ASSERTION", eventID)
	if err != nil {
		return nil, nil, err
	}
	closed, err = s.edgeTargets(ctx, "CLOSED_ASSERTION", eventID)
	if err != nil {
		return nil, nil, err
	}
	return created, closed, nil
}

func (s *Store) edgeTargets(ctx context.Context, edgeType, from string) ([]string, error) {
	stmt := fmt.Sprintf("GO FROM %s OVER %s YIELD dst(edge) AS dst", vid(from), edgeType)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if id := row.col(0).AsString(); id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

const runCols = "workspace_id, spec_name, source_filename, started_at, finished_at, status, stats, error_message"

func yieldRun() string {
	parts := []string{"id(vertex) AS vid"}
	for _, c := range strings.Split(runCols, ", ") {
		parts = append(parts, fmt.Sprintf("ImportRun.%s AS %s", c, c))
	}
	return strings.Join(parts, ", ")
}

func decodeRun(row Row) (*types.ImportRun, error) {
	if err := rowWidth(row, 9); err != nil {
		return nil, err
	}
	return &types.ImportRun{
		ID:             row.col(0).AsString(),
		WorkspaceID:    row.col(1).AsString(),
		SpecName:       row.col(2).AsString(),
		SourceFilename: row.col(3).AsString(),
		StartedAt:      row.col(4).AsTime(),
		FinishedAt:     row.col(5).AsTimePtr(),
		Status:         types.ImportStatus(row.col(6).AsString()),
		Stats:          types.ParseEventStats(row.col(7).AsString()),
		Error:          row.col(8).AsString(),
	}, nil
}

// InsertImportRun writes a run vertex in the running state.
func (s *Store) InsertImportRun(ctx context.Context, r *types.ImportRun) error {
	stmt := fmt.Sprintf(
		"INSERT VERTEX ImportRun (%s) VALUES %s:(%s, %s, %s, %s, %s, %s, %s, %s)",
		runCols, vid(r.ID),
		litString(r.WorkspaceID), litString(r.SpecName), litOptString(r.SourceFilename),
		litTime(r.StartedAt), litOptTime(r.FinishedAt), litString(string(r.Status)),
		litString(r.Stats.Marshal()), litOptString(r.Error),
	)
	_, err := s.exec(ctx, stmt)
	return err
}

// FinishImportRun transitions a run to its terminal state.
func (s *Store) FinishImportRun(ctx context.Context, id string, status types.ImportStatus, stats types.EventStats, errMsg string, finishedAt time.Time) error {
	sets := []string{
		fmt.Sprintf("status = %s", litString(string(status))),
		fmt.Sprintf("stats = %s", litString(stats.Marshal())),
		fmt.Sprintf("finished_at = %s", litTime(finishedAt)),
	}
	if errMsg != "" {
		sets = append(sets, fmt.Sprintf("error_message = %s", litString(errMsg)))
	}
	stmt := fmt.Sprintf("UPDATE VERTEX ON ImportRun %s SET %s", vid(id), strings.Join(sets, ", "))
	_, err := s.exec(ctx, stmt)
	return err
}

// GetImportRun fetches one run, scoped to the workspace.
func (s *Store) GetImportRun(ctx context.Context, ws, id string) (*types.ImportRun, error) {
	stmt := fmt.Sprintf("FETCH PROP ON ImportRun %s YIELD %s", vid(id), yieldRun())
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("import run %s", id)
	}
	r, err := decodeRun(res.Rows[0])
	if err != nil {
		return nil, err
	}
	if r.WorkspaceID != ws {
		return nil, types.NotFoundf("import run %s", id)
	}
	return r, nil
}

// ListImportRuns returns runs in a workspace, newest first. specName ""
// lists every spec.
func (s *Store) ListImportRuns(ctx context.Context, ws, specName string, limit int) ([]*types.ImportRun, error) {
	conds := []string{fmt.Sprintf("ImportRun.workspace_id == %s", litString(ws))}
	if specName != "" {
		conds = append(conds, fmt.Sprintf("ImportRun.spec_name == %s", litString(specName)))
	}
	stmt := fmt.Sprintf("LOOKUP ON ImportRun WHERE %s YIELD %s", strings.Join(conds, " AND "), yieldRun())
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	runs := make([]*types.ImportRun, 0, len(res.Rows))
	for _, row := range res.Rows {
		r, err := decodeRun(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// PreviousCompletedRun finds the most recent successfully completed run of
// a spec before the given run. Nil without error when this is the first.
func (s *Store) PreviousCompletedRun(ctx context.Context, ws, specName, beforeRunID string) (*types.ImportRun, error) {
	runs, err := s.ListImportRuns(ctx, ws, specName, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.ID != beforeRunID && r.Status == types.ImportOK {
			return r, nil
		}
	}
	return nil, nil
}

const sourceCols = "workspace_id, source_name, source_type, authority_rank, authority_domains"

func yieldSource() string {
	parts := []string{"id(vertex) AS vid"}
	for _, c := range strings.Split(sourceCols, ", ") {
		parts = append(parts, fmt.Sprintf("Source.%s AS %s", c, c))
	}
	return strings.Join(parts, ", ")
}

func decodeSource(row Row) (*types.Source, error) {
	if err := rowWidth(row, 6); err != nil {
		return nil, err
	}
	src := &types.Source{
		ID:            row.col(0).AsString(),
		WorkspaceID:   row.col(1).AsString(),
		SourceName:    row.col(2).AsString(),
		SourceType:    types.SourceType(row.col(3).AsString()),
		AuthorityRank: int(row.col(4).AsInt()),
	}
	if domains := row.col(5).AsString(); domains != "" {
		src.AuthorityDomains = strings.Split(domains, ",")
	}
	return src, nil
}

// UpsertSource registers a provenance source keyed by source_name within
// the workspace. An existing source keeps its ID; rank and domains are
// refreshed from the input.
func (s *Store) UpsertSource(ctx context.Context, src *types.Source) (*types.Source, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Source WHERE Source.workspace_id == %s AND Source.source_name == %s YIELD %s",
		litString(src.WorkspaceID), litString(src.SourceName), yieldSource(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if !res.Empty() {
		existing, err := decodeSource(res.Rows[0])
		if err != nil {
			return nil, err
		}
		if existing.AuthorityRank != src.AuthorityRank || !equalStrings(existing.AuthorityDomains, src.AuthorityDomains) {
			update := fmt.Sprintf(
				"UPDATE VERTEX ON Source %s SET authority_rank = %s, authority_domains = %s",
				vid(existing.ID), litInt(src.AuthorityRank), litString(strings.Join(src.AuthorityDomains, ",")),
			)
			if _, err := s.exec(ctx, update); err != nil {
				return nil, err
			}
			existing.AuthorityRank = src.AuthorityRank
			existing.AuthorityDomains = src.AuthorityDomains
		}
		return existing, nil
	}

	insert := fmt.Sprintf(
		"INSERT VERTEX Source (%s) VALUES %s:(%s, %s, %s, %s, %s)",
		sourceCols, vid(src.ID),
		litString(src.WorkspaceID), litString(src.SourceName), litString(string(src.SourceType)),
		litInt(src.AuthorityRank), litString(strings.Join(src.AuthorityDomains, ",")),
	)
	if _, err := s.exec(ctx, insert); err != nil {
		return nil, err
	}
	return src, nil
}

// ListSources returns every registered source in a workspace.
func (s *Store) ListSources(ctx context.Context, ws string) ([]*types.Source, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Source WHERE Source.workspace_id == %s YIELD %s",
		litString(ws), yieldSource(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Source, 0, len(res.Rows))
	for _, row := range res.Rows {
		src, err := decodeSource(row)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

// AuthorityMap projects registered sources into the source_id → rank map
// the resolution engine consumes.
func (s *Store) AuthorityMap(ctx context.Context, ws string) (map[string]int, error) {
	sources, err := s.ListSources(ctx, ws)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(sources))
	for _, src := range sources {
		out[src.ID] = src.AuthorityRank
	}
	return out, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
