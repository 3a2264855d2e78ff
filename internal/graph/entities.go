package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// entityCols is the canonical column order for Entity reads. Decoders
// depend on it; keep YIELD clauses and decodeEntity in lockstep.
const entityCols = "workspace_id, entity_type, primary_key, display_name, created_at, updated_at, resolved_props"

func yieldEntity() string {
	parts := []string{"id(vertex) AS vid"}
	for _, c := range strings.Split(entityCols, ", ") {
		parts = append(parts, fmt.Sprintf("Entity.%s AS %s", c, c))
	}
	return strings.Join(parts, ", ")
}

func decodeEntity(row Row) (*types.Entity, error) {
	if err := rowWidth(row, 8); err != nil {
		return nil, err
	}
	e := &types.Entity{
		ID:          row.col(0).AsString(),
		WorkspaceID: row.col(1).AsString(),
		EntityType:  row.col(2).AsString(),
		PrimaryKey:  row.col(3).AsString(),
		DisplayName: row.col(4).AsString(),
		CreatedAt:   row.col(5).AsTime(),
		UpdatedAt:   row.col(6).AsTime(),
	}
	if raw := row.col(7).AsString(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.ResolvedProps); err != nil {
			return nil, types.Internalf("entity %s has corrupt resolved_props: %v", e.ID, err)
		}
	}
	return e, nil
}

// FindEntity looks up one entity by its business identity. Returns
// ErrNotFound when no sighting exists.
func (s *Store) FindEntity(ctx context.Context, ws, entityType, primaryKey string) (*types.Entity, error) {
	stmt := fmt.Sprintf(
		"LOOKUP ON Entity WHERE Entity.workspace_id == %s AND Entity.entity_type == %s AND Entity.primary_key == %s YIELD %s",
		litString(ws), litString(entityType), litString(primaryKey), yieldEntity(),
	)
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("entity %s/%s/%s", ws, entityType, primaryKey)
	}
	return decodeEntity(res.Rows[0])
}

// GetEntity fetches one entity by ID, scoped to the workspace.
func (s *Store) GetEntity(ctx context.Context, ws, id string) (*types.Entity, error) {
	stmt := fmt.Sprintf("FETCH PROP ON Entity %s YIELD %s", vid(id), yieldEntity())
	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, types.NotFoundf("entity %s", id)
	}
	e, err := decodeEntity(res.Rows[0])
	if err != nil {
		return nil, err
	}
	if e.WorkspaceID != ws {
		return nil, types.NotFoundf("entity %s", id)
	}
	return e, nil
}

// InsertEntity creates a new entity vertex. The caller must have checked
// for an existing sighting; a duplicate business identity is a conflict.
func (s *Store) InsertEntity(ctx context.Context, e *types.Entity) error {
	if _, err := s.FindEntity(ctx, e.WorkspaceID, e.EntityType, e.PrimaryKey); err == nil {
		return types.Conflictf("entity %s/%s/%s already exists", e.WorkspaceID, e.EntityType, e.PrimaryKey)
	} else if types.ErrorCode(err) != "not_found" {
		return err
	}

	props := "{}"
	if len(e.ResolvedProps) > 0 {
		b, _ := json.Marshal(e.ResolvedProps)
		props = string(b)
	}
	stmt := fmt.Sprintf(
		"INSERT VERTEX Entity (%s) VALUES %s:(%s, %s, %s, %s, %s, %s, %s)",
		entityCols, vid(e.ID),
		litString(e.WorkspaceID), litString(e.EntityType), litString(e.PrimaryKey),
		litOptString(e.DisplayName), litTime(e.CreatedAt), litTime(e.UpdatedAt), litString(props),
	)
	_, err := s.exec(ctx, stmt)
	return err
}

// EnsureEntity finds an entity by business identity, inserting it on first
// sighting. Reports whether a new vertex was created.
func (s *Store) EnsureEntity(ctx context.Context, e *types.Entity) (*types.Entity, bool, error) {
	existing, err := s.FindEntity(ctx, e.WorkspaceID, e.EntityType, e.PrimaryKey)
	if err == nil {
		return existing, false, nil
	}
	if types.ErrorCode(err) != "not_found" {
		return nil, false, err
	}
	if err := s.InsertEntity(ctx, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// SetResolvedProps overwrites the derived convenience copy on an entity.
// Display name refresh rides along when non-empty.
func (s *Store) SetResolvedProps(ctx context.Context, id string, props map[string]string, displayName string, now time.Time) error {
	b, err := json.Marshal(props)
	if err != nil {
		return types.Internalf("marshal resolved props: %v", err)
	}
	sets := []string{
		fmt.Sprintf("resolved_props = %s", litString(string(b))),
		fmt.Sprintf("updated_at = %s", litTime(now)),
	}
	if displayName != "" {
		sets = append(sets, fmt.Sprintf("display_name = %s", litString(displayName)))
	}
	stmt := fmt.Sprintf("UPDATE VERTEX ON Entity %s SET %s", vid(id), strings.Join(sets, ", "))
	_, err = s.exec(ctx, stmt)
	return err
}

// SearchFilter narrows an entity search. Zero values mean "any".
type SearchFilter struct {
	EntityType string
	PrimaryKey string
	// Query is a case-insensitive substring match over primary key and
	// display name, applied after the indexed lookup.
	Query  string
	Limit  int
	Offset int
}

// SearchEntities lists entities in a workspace with deterministic ordering
// and offset pagination. Returns the page and the total match count.
func (s *Store) SearchEntities(ctx context.Context, ws string, f SearchFilter) ([]*types.Entity, int, error) {
	conds := []string{fmt.Sprintf("Entity.workspace_id == %s", litString(ws))}
	if f.EntityType != "" {
		conds = append(conds, fmt.Sprintf("Entity.entity_type == %s", litString(f.EntityType)))
	}
	if f.PrimaryKey != "" {
		conds = append(conds, fmt.Sprintf("Entity.primary_key == %s", litString(f.PrimaryKey)))
	}
	stmt := fmt.Sprintf("LOOKUP ON Entity WHERE %s YIELD %s", strings.Join(conds, " AND "), yieldEntity())

	res, err := s.execRead(ctx, stmt)
	if err != nil {
		return nil, 0, err
	}
	var all []*types.Entity
	for _, row := range res.Rows {
		e, err := decodeEntity(row)
		if err != nil {
			return nil, 0, err
		}
		if f.Query != "" {
			q := strings.ToLower(f.Query)
			if !strings.Contains(strings.ToLower(e.PrimaryKey), q) &&
				!strings.Contains(strings.ToLower(e.DisplayName), q) {
				continue
			}
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].EntityType != all[j].EntityType {
			return all[i].EntityType < all[j].EntityType
		}
		return all[i].PrimaryKey < all[j].PrimaryKey
	})

	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}
