package graph

import (
	"context"
	"time"
)

// bootstrapStatements creates the tags, edge types and indexes the
// platform needs. Reserved store keywords never appear as property names:
// ChangeEvent carries ts and descr, ImportRun carries error_message.
var bootstrapStatements = []string{
	`CREATE TAG IF NOT EXISTS Entity (
		workspace_id string NOT NULL,
		entity_type string NOT NULL,
		primary_key string NOT NULL,
		display_name string,
		created_at datetime,
		updated_at datetime,
		resolved_props string
	)`,
	`CREATE TAG IF NOT EXISTS Assertion (
		workspace_id string NOT NULL,
		assertion_key string NOT NULL,
		relationship_type string NOT NULL,
		property_key string,
		raw_hash string NOT NULL,
		normalized_hash string NOT NULL,
		source_type string NOT NULL,
		source_ref string,
		source_id string,
		import_run_id string,
		recorded_at datetime NOT NULL,
		valid_from datetime NOT NULL,
		valid_to datetime,
		scenario_id string NOT NULL,
		confidence double NOT NULL,
		supersedes string
	)`,
	`CREATE TAG IF NOT EXISTS PropertyValue (
		workspace_id string NOT NULL,
		property_key string NOT NULL,
		value string,
		value_type string NOT NULL
	)`,
	`CREATE TAG IF NOT EXISTS ChangeEvent (
		workspace_id string NOT NULL,
		event_type string NOT NULL,
		ts datetime NOT NULL,
		actor string,
		stats string,
		descr string,
		import_run_id string
	)`,
	`CREATE TAG IF NOT EXISTS ImportRun (
		workspace_id string NOT NULL,
		spec_name string NOT NULL,
		source_filename string,
		started_at datetime NOT NULL,
		finished_at datetime,
		status string NOT NULL,
		stats string,
		error_message string
	)`,
	`CREATE TAG IF NOT EXISTS Source (
		workspace_id string NOT NULL,
		source_name string NOT NULL,
		source_type string NOT NULL,
		authority_rank int NOT NULL,
		authority_domains string
	)`,
	`CREATE EDGE IF NOT EXISTS ASSERTED_REL (relationship_type string)`,
	`CREATE EDGE IF NOT EXISTS TRIGGERED_BY ()`,
	`CREATE EDGE IF NOT EXISTS CREATED_ASSERTION ()`,
	`CREATE EDGE IF NOT EXISTS CLOSED_ASSERTION ()`,
	`CREATE TAG INDEX IF NOT EXISTS idx_entity_ws ON Entity(workspace_id(64))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_entity_key ON Entity(workspace_id(64), entity_type(64), primary_key(128))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_assertion_key ON Assertion(workspace_id(64), assertion_key(256))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_assertion_run ON Assertion(import_run_id(40))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_assertion_source ON Assertion(workspace_id(64), source_id(40))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_event_run ON ChangeEvent(import_run_id(40))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_run_ws ON ImportRun(workspace_id(64), spec_name(128))`,
	`CREATE TAG INDEX IF NOT EXISTS idx_source_ws ON Source(workspace_id(64), source_name(128))`,
}

// Bootstrap applies the schema DDL. Statements are idempotent, so running
// it on every startup is safe. Index builds are asynchronous in the store;
// the short settle pause matches how the schema propagates between metad
// and storaged.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapStatements {
		if _, err := s.exec(ctx, stmt); err != nil {
			return err
		}
	}
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
