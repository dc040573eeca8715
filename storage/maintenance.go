package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MaintenanceStats reports how many rows a purge removed per table.
type MaintenanceStats struct {
	WorkQueues   int64
	Logs         int64
	StepMetadata int64
	Metadata     int64
}

// Total returns the number of rows removed across all tables.
func (s MaintenanceStats) Total() int64 {
	return s.WorkQueues + s.Logs + s.StepMetadata + s.Metadata
}

// StatusReport summarizes row counts for the operator surface.
type StatusReport struct {
	Manifests        int64
	EnabledManifests int64
	MetadataByState  map[string]int64
	WorkQueueByState map[string]int64
	DeadLetters      map[string]int64
	BackgroundJobs   int64
}

// MaintenanceStore runs the bulk operations that bypass the entity
// layer: retention purges and reporting aggregates.
type MaintenanceStore interface {
	// PurgeTerminalMetadata deletes terminal metadata rows of the
	// named workflow older than cutoff, together with their work
	// queue items, logs, and step metadata. Everything runs as set
	// deletes in one transaction.
	PurgeTerminalMetadata(ctx context.Context, workflowName string, cutoff time.Time) (MaintenanceStats, error)
	// StatusReport loads row counts per table and state.
	StatusReport(ctx context.Context) (*StatusReport, error)
}

// NewMaintenanceStore returns a sqlx-backed maintenance store.
func NewMaintenanceStore(client *Client) MaintenanceStore {
	return &maintenanceStore{raw: client.raw}
}

type maintenanceStore struct {
	raw *sqlx.DB
}

const doomedMetadata = `SELECT id FROM metadata
	WHERE name = $1 AND start_time < $2 AND workflow_state IN ('Completed', 'Failed')`

func (s *maintenanceStore) PurgeTerminalMetadata(ctx context.Context, workflowName string, cutoff time.Time) (MaintenanceStats, error) {
	var stats MaintenanceStats

	tx, err := s.raw.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deletes := []struct {
		table string
		query string
		dest  *int64
	}{
		{TableNameWorkQueue,
			`DELETE FROM work_queue WHERE metadata_id IN (` + doomedMetadata + `)`,
			&stats.WorkQueues},
		{TableNameLog,
			`DELETE FROM log WHERE metadata_id IN (` + doomedMetadata + `)`,
			&stats.Logs},
		{TableNameStepMetadata,
			`DELETE FROM step_metadata WHERE workflow_external_id IN (
				SELECT external_id FROM metadata
				WHERE name = $1 AND start_time < $2 AND workflow_state IN ('Completed', 'Failed'))`,
			&stats.StepMetadata},
		{TableNameMetadata,
			`DELETE FROM metadata
				WHERE name = $1 AND start_time < $2 AND workflow_state IN ('Completed', 'Failed')`,
			&stats.Metadata},
	}

	for _, d := range deletes {
		res, err := tx.ExecContext(ctx, d.query, workflowName, cutoff)
		if err != nil {
			return MaintenanceStats{}, fmt.Errorf("purge %s for %q: %w", d.table, workflowName, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			*d.dest = n
		}
	}

	if err := tx.Commit(); err != nil {
		return MaintenanceStats{}, fmt.Errorf("commit purge: %w", err)
	}
	return stats, nil
}

func (s *maintenanceStore) StatusReport(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		MetadataByState:  make(map[string]int64),
		WorkQueueByState: make(map[string]int64),
		DeadLetters:      make(map[string]int64),
	}

	if err := s.raw.GetContext(ctx, &report.Manifests,
		`SELECT COUNT(*) FROM manifest`); err != nil {
		return nil, fmt.Errorf("count manifests: %w", err)
	}
	if err := s.raw.GetContext(ctx, &report.EnabledManifests,
		`SELECT COUNT(*) FROM manifest WHERE is_enabled`); err != nil {
		return nil, fmt.Errorf("count enabled manifests: %w", err)
	}
	if err := s.raw.GetContext(ctx, &report.BackgroundJobs,
		`SELECT COUNT(*) FROM background_job`); err != nil {
		return nil, fmt.Errorf("count background jobs: %w", err)
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}

	grouped := []struct {
		query string
		dest  map[string]int64
	}{
		{`SELECT workflow_state AS key, COUNT(*) AS count FROM metadata GROUP BY workflow_state`,
			report.MetadataByState},
		{`SELECT status AS key, COUNT(*) AS count FROM work_queue GROUP BY status`,
			report.WorkQueueByState},
		{`SELECT status AS key, COUNT(*) AS count FROM dead_letter GROUP BY status`,
			report.DeadLetters},
	}
	for _, g := range grouped {
		var rows []bucket
		if err := s.raw.SelectContext(ctx, &rows, g.query); err != nil {
			return nil, fmt.Errorf("load status buckets: %w", err)
		}
		for _, row := range rows {
			g.dest[row.Key] = row.Count
		}
	}

	return report, nil
}
