// Package types defines the core vertex models and enumerations shared by
// every evergraph component. All six vertex kinds carry a workspace
// discriminator; queries must never cross it.
package types

import (
	"encoding/json"
	"time"
)

// ScenarioBase is the scenario label for reality. What-if branches use any
// other label and overlay base at resolution time.
const ScenarioBase = "base"

// RelHasProperty is the pseudo relationship type carried by property
// assertions.
const RelHasProperty = "HAS_PROPERTY"

// SourceType classifies where an assertion's evidence came from.
type SourceType string

const (
	SourceSpreadsheet SourceType = "spreadsheet"
	SourceAPI         SourceType = "api"
	SourceManual      SourceType = "manual"
	SourceDerived     SourceType = "derived"
	SourceInferred    SourceType = "inferred"
)

// ValueType is the declared type of a property value. Values are carried as
// strings; the type tells consumers how to interpret them.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
	ValueJSON    ValueType = "json"
)

// EventType classifies a ChangeEvent.
type EventType string

const (
	EventImport        EventType = "import"
	EventManualEdit    EventType = "manual_edit"
	EventManualResolve EventType = "manual_resolve"
	EventScenarioDelta EventType = "scenario_delta"
)

// ViewMode selects between the single-winner view and the annotated
// all-claims view on entity reads.
type ViewMode string

const (
	ViewResolved  ViewMode = "resolved"
	ViewAllClaims ViewMode = "all_claims"
)

// ImportStatus is the lifecycle state of an ImportRun.
type ImportStatus string

const (
	ImportRunning ImportStatus = "running"
	ImportOK      ImportStatus = "ok"
	ImportFailed  ImportStatus = "failed"
)

// Entity is a domain object. Created on first sighting per
// (workspace, entity_type, primary_key), never deleted.
type Entity struct {
	ID          string    `json:"entity_id"`
	WorkspaceID string    `json:"workspace_id"`
	EntityType  string    `json:"entity_type"`
	PrimaryKey  string    `json:"primary_key"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	// ResolvedProps is the derived convenience copy of the current resolved
	// property values, regenerated on every import. Never authoritative.
	ResolvedProps map[string]string `json:"resolved_props,omitempty"`
}

// AssertionRecord is a versioned, evidence-backed claim. Append-only: after
// creation only ValidTo (once, infinity to concrete) and Supersedes may be
// written.
type AssertionRecord struct {
	ID               string     `json:"assertion_id"`
	WorkspaceID      string     `json:"workspace_id"`
	AssertionKey     string     `json:"assertion_key"`
	RelationshipType string     `json:"relationship_type"`
	PropertyKey      string     `json:"property_key,omitempty"`
	RawHash          string     `json:"raw_hash"`
	NormalizedHash   string     `json:"normalized_hash"`
	SourceType       SourceType `json:"source_type"`
	SourceRef        string     `json:"source_ref,omitempty"`
	SourceID         string     `json:"source_id,omitempty"`
	ImportRunID      string     `json:"import_run_id,omitempty"`
	RecordedAt       time.Time  `json:"recorded_at"`
	ValidFrom        time.Time  `json:"valid_from"`
	// ValidTo is nil while the claim is currently valid.
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	ScenarioID string     `json:"scenario_id"`
	Confidence float64    `json:"confidence"`
	Supersedes string     `json:"supersedes,omitempty"`
}

// Open reports whether the assertion is currently valid (valid_to unset).
func (a *AssertionRecord) Open() bool {
	return a.ValidTo == nil
}

// IsProperty reports whether the record is a property assertion.
func (a *AssertionRecord) IsProperty() bool {
	return a.RelationshipType == RelHasProperty
}

// PropertyValue is a typed value object, created only through property
// assertions.
type PropertyValue struct {
	ID          string    `json:"property_value_id"`
	WorkspaceID string    `json:"workspace_id"`
	PropertyKey string    `json:"property_key"`
	Value       string    `json:"value"`
	ValueType   ValueType `json:"value_type"`
}

// EventStats summarizes the assertions touched by a ChangeEvent.
type EventStats struct {
	Created   int `json:"created"`
	Closed    int `json:"closed"`
	Unchanged int `json:"unchanged"`
}

// Marshal renders the stats as a compact JSON string for storage.
func (s EventStats) Marshal() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ParseEventStats decodes a stored stats string. Empty input yields zeros.
func ParseEventStats(raw string) EventStats {
	var s EventStats
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &s)
	}
	return s
}

// ChangeEvent is the causal container that makes a batch of assertion
// mutations visible. Exactly one per ingestion run.
type ChangeEvent struct {
	ID          string     `json:"change_event_id"`
	WorkspaceID string     `json:"workspace_id"`
	EventType   EventType  `json:"event_type"`
	Timestamp   time.Time  `json:"ts"`
	Actor       string     `json:"actor"`
	Stats       EventStats `json:"stats"`
	Description string     `json:"descr,omitempty"`
	ImportRunID string     `json:"import_run_id,omitempty"`
}

// ImportRun records the metadata of one ingestion.
type ImportRun struct {
	ID             string       `json:"import_run_id"`
	WorkspaceID    string       `json:"workspace_id"`
	SpecName       string       `json:"spec_name"`
	SourceFilename string       `json:"source_filename"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	Status         ImportStatus `json:"status"`
	Stats          EventStats   `json:"stats"`
	Error          string       `json:"error,omitempty"`
}

// Source is a registered provenance source. Lower AuthorityRank means
// higher priority during resolution.
type Source struct {
	ID               string     `json:"source_id"`
	WorkspaceID      string     `json:"workspace_id"`
	SourceName       string     `json:"source_name"`
	SourceType       SourceType `json:"source_type"`
	AuthorityRank    int        `json:"authority_rank"`
	AuthorityDomains []string   `json:"authority_domains,omitempty"`
}
