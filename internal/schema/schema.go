// Package schema holds per-workspace domain schemas: the entity types,
// relationship types, and property declarations a workspace admits. Mapping
// specs are validated against these at load time, and the ingestion
// pipeline rejects references the schema does not declare.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evergraph/evergraph/internal/types"
)

// validPropertyTypes mirrors types.ValueType.
var validPropertyTypes = map[string]bool{
	"string": true, "number": true, "date": true, "boolean": true, "json": true,
}

// PropertyDef declares a property on an entity or relationship type.
// Optional fields carry omitempty so a schema round-trips through
// MarshalDomain unchanged.
type PropertyDef struct {
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// EntityTypeDef declares an entity type and its property schema.
type EntityTypeDef struct {
	PrimaryKey  string                 `yaml:"primary_key"`
	Properties  map[string]PropertyDef `yaml:"properties"`
	Description string                 `yaml:"description,omitempty"`
}

// RelationshipTypeDef declares a relationship type and its endpoint types.
type RelationshipTypeDef struct {
	FromType    string                 `yaml:"from"`
	ToType      string                 `yaml:"to"`
	Properties  map[string]PropertyDef `yaml:"properties,omitempty"`
	Description string                 `yaml:"description,omitempty"`
}

// Domain is the full schema for one workspace.
type Domain struct {
	Workspace         string                         `yaml:"workspace"`
	Version           string                         `yaml:"version,omitempty"`
	EntityTypes       map[string]EntityTypeDef       `yaml:"entity_types"`
	RelationshipTypes map[string]RelationshipTypeDef `yaml:"relationship_types,omitempty"`
}

// Parse decodes and validates a domain schema from YAML.
func Parse(raw []byte) (*Domain, error) {
	var d Domain
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, types.Validationf("schema yaml: %v", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// HasEntityType reports whether the schema declares the entity type.
func (d *Domain) HasEntityType(name string) bool {
	_, ok := d.EntityTypes[name]
	return ok
}

// HasRelationshipType reports whether the schema declares the relationship
// type. The property pseudo-type is always admitted.
func (d *Domain) HasRelationshipType(name string) bool {
	if name == types.RelHasProperty {
		return true
	}
	_, ok := d.RelationshipTypes[name]
	return ok
}

// PropertyType returns the declared value type of a property on an entity
// type, defaulting to string for undeclared properties.
func (d *Domain) PropertyType(entityType, property string) types.ValueType {
	et, ok := d.EntityTypes[entityType]
	if !ok {
		return types.ValueString
	}
	pd, ok := et.Properties[property]
	if !ok {
		return types.ValueString
	}
	return types.ValueType(pd.Type)
}

// Validate checks the structural integrity of the schema and returns a
// ValidationError aggregating every problem found.
func (d *Domain) Validate() error {
	var problems []string

	if d.Workspace == "" {
		problems = append(problems, "workspace is required")
	}

	for name, et := range d.EntityTypes {
		if et.PrimaryKey == "" {
			problems = append(problems, fmt.Sprintf("entity %q: primary_key is required", name))
		} else if _, ok := et.Properties[et.PrimaryKey]; !ok {
			problems = append(problems, fmt.Sprintf("entity %q: primary_key %q not found in properties", name, et.PrimaryKey))
		}
		for prop, pd := range et.Properties {
			if !validPropertyTypes[pd.Type] {
				problems = append(problems, fmt.Sprintf("entity %q.%s: invalid type %q", name, prop, pd.Type))
			}
			if pd.Pattern != "" {
				if _, err := regexp.Compile(pd.Pattern); err != nil {
					problems = append(problems, fmt.Sprintf("entity %q.%s: invalid pattern: %v", name, prop, err))
				}
			}
		}
	}

	for name, rt := range d.RelationshipTypes {
		if !d.HasEntityType(rt.FromType) {
			problems = append(problems, fmt.Sprintf("relationship %q: from type %q not declared", name, rt.FromType))
		}
		if !d.HasEntityType(rt.ToType) {
			problems = append(problems, fmt.Sprintf("relationship %q: to type %q not declared", name, rt.ToType))
		}
		for prop, pd := range rt.Properties {
			if !validPropertyTypes[pd.Type] {
				problems = append(problems, fmt.Sprintf("relationship %q.%s: invalid type %q", name, prop, pd.Type))
			}
		}
	}

	if len(problems) > 0 {
		return types.Validationf("schema %q: %s", d.Workspace, strings.Join(problems, "; "))
	}
	return nil
}
