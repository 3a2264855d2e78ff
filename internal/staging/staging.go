// Package staging turns a tabular source plus a mapping spec into staged
// rows: entity candidates, relationship candidates, and the dual hashes of
// the row as read. The parser never raises on bad rows; candidates whose
// key columns are missing are dropped silently and the row carries on.
package staging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/evergraph/evergraph/internal/hashing"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/types"
)

// PropertyCandidate is one property mapping applied to one row.
type PropertyCandidate struct {
	Key  string
	Cell types.Cell
}

// EntityCandidate is one entity alias extracted from one row.
type EntityCandidate struct {
	Alias       string
	EntityType  string
	PrimaryKey  string
	DisplayName string
	Properties  []PropertyCandidate
}

// RelationshipCandidate is a relationship between two aliases of the row.
type RelationshipCandidate struct {
	RelationshipType string
	FromAlias        string
	ToAlias          string
}

// StagedRow is the parser's unit of output.
type StagedRow struct {
	Sheet    string
	RowIndex int // 1-based physical row number

	RawCells        map[string]types.Cell
	NormalizedCells map[string]string

	RawHash        string
	NormalizedHash string

	Entities      []EntityCandidate
	Relationships []RelationshipCandidate
}

// SourceRef renders the row's provenance blob.
func (r *StagedRow) SourceRef() string {
	return fmt.Sprintf("sheet:%s,row:%d", r.Sheet, r.RowIndex)
}

// Table is a sheet already read into memory: a header row plus data rows of
// displayed cell values. Both the xlsx and csv readers produce Tables.
type Table struct {
	Name string
	Rows [][]string
}

var templateVar = regexp.MustCompile(`\{([^}]+)\}`)

// expandTemplate substitutes {column} references from the row's cells.
// Returns ok=false when a referenced column is absent or empty.
func expandTemplate(tmpl string, cells map[string]types.Cell) (string, bool) {
	ok := true
	out := templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		col := m[1 : len(m)-1]
		c, found := cells[col]
		if !found || c.Empty || strings.TrimSpace(c.Value) == "" {
			ok = false
			return ""
		}
		return c.Value
	})
	return out, ok
}

// applyTransform applies a declared column transform to a displayed value.
func applyTransform(v, transform string) string {
	switch transform {
	case "strip":
		return strings.TrimSpace(v)
	case "lower":
		return strings.ToLower(v)
	case "upper":
		return strings.ToUpper(v)
	case "int":
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return strconv.FormatInt(int64(f), 10)
		}
		return v
	case "float":
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v
	default:
		return v
	}
}

// Parse applies the spec's sheet mappings to the given tables. Tables with
// no matching sheet mapping are ignored, as are sheets the source lacks.
func Parse(tables []Table, sp *spec.Spec, dom *schema.Domain) []StagedRow {
	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	var staged []StagedRow
	for _, sheetSpec := range sp.Sheets {
		t, ok := byName[sheetSpec.SheetName]
		if !ok {
			continue
		}
		staged = append(staged, parseSheet(t, sheetSpec, sp, dom)...)
	}
	return staged
}

func parseSheet(t Table, sh spec.Sheet, sp *spec.Spec, dom *schema.Domain) []StagedRow {
	if sh.HeaderRow >= len(t.Rows) {
		return nil
	}
	header := t.Rows[sh.HeaderRow]

	skip := make(map[int]bool, len(sh.SkipRows)+1)
	skip[sh.HeaderRow] = true
	for _, i := range sh.SkipRows {
		skip[i] = true
	}

	var staged []StagedRow
	for idx, row := range t.Rows {
		if skip[idx] {
			continue
		}
		if emptyRow(row) {
			continue
		}
		sr := parseRow(t.Name, idx, header, row, sh, sp, dom)
		staged = append(staged, sr)
	}
	return staged
}

func emptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseRow(sheet string, idx int, header, row []string, sh spec.Sheet, sp *spec.Spec, dom *schema.Domain) StagedRow {
	// Column value types come from the mappings so that normalization knows
	// which cells are numbers and dates.
	colTypes := columnTypes(sh, sp, dom)

	cells := make(map[string]types.Cell, len(header))
	ordered := make([]types.Cell, 0, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		var c types.Cell
		if i >= len(row) || row[i] == "" {
			c = types.EmptyCell()
		} else {
			c = types.Cell{Value: row[i], Type: colTypes[col]}
			if c.Type == "" {
				c.Type = types.ValueString
			}
		}
		cells[col] = c
		ordered = append(ordered, c)
	}

	hashCells := selectCells(ordered, cells, sp.RawHashSerialization.CellOrder)

	normalized := make(map[string]string, len(cells))
	for col, c := range cells {
		normalized[col] = hashing.NormalizeCell(c, sp.RawHashSerialization, sp.ChangeDetection.NormalizationRules)
	}

	sr := StagedRow{
		Sheet:           sheet,
		RowIndex:        idx + 1,
		RawCells:        cells,
		NormalizedCells: normalized,
		RawHash:         hashing.RowHash(hashCells, sp.RawHashSerialization),
		NormalizedHash:  hashing.NormalizedRowHash(hashCells, sp.RawHashSerialization, sp.ChangeDetection.NormalizationRules),
	}

	staged := make(map[string]bool, len(sh.Entities))
	for alias, em := range sh.Entities {
		ec, ok := extractEntity(alias, em, cells, sp, dom)
		if !ok {
			continue
		}
		sr.Entities = append(sr.Entities, ec)
		staged[alias] = true
	}
	// Deterministic candidate order regardless of map iteration.
	sortEntities(sr.Entities)

	for _, rm := range sh.Relationships {
		if staged[rm.FromEntity] && staged[rm.ToEntity] {
			sr.Relationships = append(sr.Relationships, RelationshipCandidate{
				RelationshipType: rm.RelationshipType,
				FromAlias:        rm.FromEntity,
				ToAlias:          rm.ToEntity,
			})
		}
	}

	return sr
}

func sortEntities(ents []EntityCandidate) {
	for i := 1; i < len(ents); i++ {
		for j := i; j > 0 && ents[j].Alias < ents[j-1].Alias; j-- {
			ents[j], ents[j-1] = ents[j-1], ents[j]
		}
	}
}

// selectCells applies the spec's cell_order to the row.
func selectCells(ordered []types.Cell, byName map[string]types.Cell, order spec.CellOrder) []types.Cell {
	if order.ColumnOrder {
		return ordered
	}
	out := make([]types.Cell, len(order.Columns))
	for i, col := range order.Columns {
		c, ok := byName[col]
		if !ok {
			c = types.EmptyCell()
		}
		out[i] = c
	}
	return out
}

func columnTypes(sh spec.Sheet, sp *spec.Spec, dom *schema.Domain) map[string]types.ValueType {
	out := make(map[string]types.ValueType)
	for _, em := range sh.Entities {
		for _, cm := range em.Properties {
			vt := types.ValueType(cm.ValueType)
			if vt == "" && dom != nil {
				vt = dom.PropertyType(em.EntityType, cm.TargetProperty)
			}
			if vt == "" {
				vt = types.ValueString
			}
			out[cm.SourceColumn] = vt
		}
	}
	return out
}

func extractEntity(alias string, em spec.EntityMapping, cells map[string]types.Cell, sp *spec.Spec, dom *schema.Domain) (EntityCandidate, bool) {
	// All declared key columns must be present and non-blank; a missing key
	// drops the candidate, never the row.
	keyed := make(map[string]types.Cell, len(cells))
	for col, c := range cells {
		keyed[col] = c
	}
	for _, col := range em.KeyColumns {
		c, ok := cells[col]
		if !ok || c.Empty || strings.TrimSpace(c.Value) == "" {
			return EntityCandidate{}, false
		}
	}

	// Property extraction with transforms; key template sees transformed
	// values under their target property names as well as raw columns.
	props := make([]PropertyCandidate, 0, len(em.Properties))
	templCells := keyed
	for _, cm := range em.Properties {
		c := cells[cm.SourceColumn]
		if !c.Empty && cm.Transform != "" {
			c.Value = applyTransform(c.Value, cm.Transform)
		}
		props = append(props, PropertyCandidate{Key: cm.TargetProperty, Cell: c})
		templCells[cm.TargetProperty] = c
	}

	pk, ok := expandTemplate(em.KeyTemplate, templCells)
	if !ok || pk == "" {
		return EntityCandidate{}, false
	}

	return EntityCandidate{
		Alias:       alias,
		EntityType:  em.EntityType,
		PrimaryKey:  pk,
		DisplayName: displayName(em, props, pk),
		Properties:  props,
	}, true
}

// displayName picks the first non-key, non-empty property value, falling
// back to the primary key.
func displayName(em spec.EntityMapping, props []PropertyCandidate, pk string) string {
	keyCols := make(map[string]bool, len(em.KeyColumns))
	for _, c := range em.KeyColumns {
		keyCols[c] = true
	}
	for i, cm := range em.Properties {
		if keyCols[cm.SourceColumn] {
			continue
		}
		if c := props[i].Cell; !c.Empty && c.Value != "" {
			return c.Value
		}
	}
	return pk
}
