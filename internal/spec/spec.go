// Package spec defines the mapping specification that describes one ingest
// source: which sheets to read, how columns map to entities, relationships
// and properties, and exactly how rows are serialized and normalized for
// change detection. Hash settings carry no implicit defaults so that two
// runs of the same spec are always reproducible.
package spec

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/types"
)

// Change detection modes.
const (
	ModeStrict     = "strict"
	ModeNormalized = "normalized"
)

// CellOrderColumns is the cell_order token selecting physical column order.
const CellOrderColumns = "column_order"

// CellOrder selects which cells, in which order, feed the canonical row
// serialization. Either the literal "column_order" or an explicit list of
// column names.
type CellOrder struct {
	ColumnOrder bool
	Columns     []string
}

// UnmarshalYAML accepts a scalar ("column_order") or a sequence of names.
func (c *CellOrder) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != CellOrderColumns {
			return fmt.Errorf("cell_order: unknown token %q", s)
		}
		c.ColumnOrder = true
		return nil
	case yaml.SequenceNode:
		return node.Decode(&c.Columns)
	default:
		return fmt.Errorf("cell_order: expected %q or a column list", CellOrderColumns)
	}
}

// MarshalYAML renders the cell order back to its YAML form.
func (c CellOrder) MarshalYAML() (any, error) {
	if c.ColumnOrder {
		return CellOrderColumns, nil
	}
	return c.Columns, nil
}

// RawHashSerialization controls the canonical serialization feeding
// raw_hash. Every field is mandatory.
type RawHashSerialization struct {
	CellOrder          CellOrder `yaml:"cell_order"`
	Delimiter          string    `yaml:"delimiter"`
	NullRepresentation string    `yaml:"null_representation"`
	NumberFormat       string    `yaml:"number_format"`
	DateFormat         string    `yaml:"date_format"`
	IncludeFormatting  bool      `yaml:"include_formatting"`
}

// NumberFormatRule controls numeric normalization.
type NumberFormatRule struct {
	DecimalPlaces *int `yaml:"decimal_places"`
}

// NormalizationRules are the per-cell transformations applied before the
// normalized hash. They must stay deterministic and pure.
type NormalizationRules struct {
	TrimWhitespace     bool              `yaml:"trim_whitespace"`
	CollapseWhitespace bool              `yaml:"collapse_whitespace"`
	LowercaseStrings   bool              `yaml:"lowercase_strings"`
	NullTokens         []string          `yaml:"null_tokens"`
	NumberFormat       *NumberFormatRule `yaml:"number_format"`
	DateFormat         string            `yaml:"date_format"`
}

// ChangeDetection selects which hash drives the create/keep/close decision.
type ChangeDetection struct {
	Mode               string             `yaml:"mode"`
	NormalizationRules NormalizationRules `yaml:"normalization_rules"`
}

// ColumnMapping maps a source column onto an entity property.
type ColumnMapping struct {
	SourceColumn   string `yaml:"source_column"`
	TargetProperty string `yaml:"target_property"`
	ValueType      string `yaml:"value_type"`
	Transform      string `yaml:"transform"`
}

// EntityMapping declares how one entity alias is extracted from a row.
type EntityMapping struct {
	EntityType  string          `yaml:"entity_type"`
	KeyColumns  []string        `yaml:"key_columns"`
	KeyTemplate string          `yaml:"key_template"`
	Properties  []ColumnMapping `yaml:"properties"`
}

// RelationshipMapping declares a relationship between two entity aliases of
// the same sheet.
type RelationshipMapping struct {
	RelationshipType string `yaml:"relationship_type"`
	FromEntity       string `yaml:"from_entity"`
	ToEntity         string `yaml:"to_entity"`
}

// Sheet declares the mappings applied to one physical sheet.
type Sheet struct {
	SheetName     string                   `yaml:"sheet_name"`
	HeaderRow     int                      `yaml:"header_row"`
	SkipRows      []int                    `yaml:"skip_rows"`
	Entities      map[string]EntityMapping `yaml:"entities"`
	Relationships []RelationshipMapping    `yaml:"relationships"`
}

// SourceAuthority registers the Source backing this spec's assertions.
type SourceAuthority struct {
	SourceName       string   `yaml:"source_name"`
	AuthorityRank    int      `yaml:"authority_rank"`
	AuthorityDomains []string `yaml:"authority_domains"`
}

// Spec is a full mapping specification for one ingest source.
type Spec struct {
	SpecName             string               `yaml:"spec_name"`
	SpecVersion          string               `yaml:"spec_version"`
	WorkspaceID          string               `yaml:"workspace_id"`
	Sheets               []Sheet              `yaml:"sheets"`
	RawHashSerialization RawHashSerialization `yaml:"raw_hash_serialization"`
	ChangeDetection      ChangeDetection      `yaml:"change_detection"`
	SourceAuthority      *SourceAuthority     `yaml:"source_authority"`
}

// Parse decodes a spec from YAML, rejecting unknown fields, and validates
// its internal structure. Schema cross-checks happen in ValidateAgainst.
func Parse(raw []byte) (*Spec, error) {
	var s Spec
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, types.Validationf("spec yaml: %v", err)
	}
	if err := s.validateStructure(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) validateStructure() error {
	var problems []string

	if s.SpecName == "" {
		problems = append(problems, "spec_name is required")
	}
	if s.WorkspaceID == "" {
		problems = append(problems, "workspace_id is required")
	}
	if len(s.Sheets) == 0 {
		problems = append(problems, "at least one sheet is required")
	}

	// Hash settings are reproducibility-critical: no implicit defaults.
	h := s.RawHashSerialization
	if !h.CellOrder.ColumnOrder && len(h.CellOrder.Columns) == 0 {
		problems = append(problems, "raw_hash_serialization.cell_order is required")
	}
	if h.Delimiter == "" {
		problems = append(problems, "raw_hash_serialization.delimiter is required")
	}
	if h.NullRepresentation == "" {
		problems = append(problems, "raw_hash_serialization.null_representation is required")
	}
	if h.NumberFormat == "" {
		problems = append(problems, "raw_hash_serialization.number_format is required")
	}
	if h.DateFormat == "" {
		problems = append(problems, "raw_hash_serialization.date_format is required")
	}

	switch s.ChangeDetection.Mode {
	case ModeStrict, ModeNormalized:
	case "":
		problems = append(problems, "change_detection.mode is required")
	default:
		problems = append(problems, fmt.Sprintf("change_detection.mode: unknown mode %q", s.ChangeDetection.Mode))
	}

	for i, sheet := range s.Sheets {
		if sheet.SheetName == "" {
			problems = append(problems, fmt.Sprintf("sheets[%d]: sheet_name is required", i))
		}
		if len(sheet.Entities) == 0 {
			problems = append(problems, fmt.Sprintf("sheets[%d]: at least one entity mapping is required", i))
		}
		for alias, em := range sheet.Entities {
			if len(em.KeyColumns) == 0 {
				problems = append(problems, fmt.Sprintf("sheets[%d].entities.%s: key_columns must be non-empty", i, alias))
			}
			if em.KeyTemplate == "" {
				problems = append(problems, fmt.Sprintf("sheets[%d].entities.%s: key_template is required", i, alias))
			}
			for _, cm := range em.Properties {
				if cm.SourceColumn == "" || cm.TargetProperty == "" {
					problems = append(problems, fmt.Sprintf("sheets[%d].entities.%s: property mapping needs source_column and target_property", i, alias))
				}
				switch cm.Transform {
				case "", "strip", "lower", "upper", "int", "float":
				default:
					problems = append(problems, fmt.Sprintf("sheets[%d].entities.%s: unknown transform %q", i, alias, cm.Transform))
				}
			}
		}
		for j, rm := range sheet.Relationships {
			if rm.RelationshipType == "" {
				problems = append(problems, fmt.Sprintf("sheets[%d].relationships[%d]: relationship_type is required", i, j))
			}
			if _, ok := sheet.Entities[rm.FromEntity]; !ok {
				problems = append(problems, fmt.Sprintf("sheets[%d].relationships[%d]: from_entity %q is not a declared alias", i, j, rm.FromEntity))
			}
			if _, ok := sheet.Entities[rm.ToEntity]; !ok {
				problems = append(problems, fmt.Sprintf("sheets[%d].relationships[%d]: to_entity %q is not a declared alias", i, j, rm.ToEntity))
			}
		}
	}

	if len(problems) > 0 {
		return types.Validationf("spec %q: %s", s.SpecName, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAgainst cross-checks the spec against the workspace's domain
// schema: every referenced entity and relationship type must be declared.
func (s *Spec) ValidateAgainst(d *schema.Domain) error {
	var problems []string
	for i, sheet := range s.Sheets {
		for alias, em := range sheet.Entities {
			if !d.HasEntityType(em.EntityType) {
				problems = append(problems, fmt.Sprintf("sheets[%d].entities.%s: entity type %q not in schema", i, alias, em.EntityType))
			}
		}
		for j, rm := range sheet.Relationships {
			if !d.HasRelationshipType(rm.RelationshipType) {
				problems = append(problems, fmt.Sprintf("sheets[%d].relationships[%d]: relationship type %q not in schema", i, j, rm.RelationshipType))
			}
		}
	}
	if len(problems) > 0 {
		return types.Validationf("spec %q: %s", s.SpecName, strings.Join(problems, "; "))
	}
	return nil
}

// Source materializes the registered Source for this spec. The returned
// value has no ID; the gateway upsert assigns one keyed by source_name.
func (s *Spec) Source() *types.Source {
	if s.SourceAuthority == nil {
		return nil
	}
	return &types.Source{
		WorkspaceID:      s.WorkspaceID,
		SourceName:       s.SourceAuthority.SourceName,
		SourceType:       types.SourceSpreadsheet,
		AuthorityRank:    s.SourceAuthority.AuthorityRank,
		AuthorityDomains: s.SourceAuthority.AuthorityDomains,
	}
}
