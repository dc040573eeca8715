package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type manifestStore struct {
	db *gorm.DB
}

func (s *manifestStore) GetByID(ctx context.Context, id int64) (*Manifest, error) {
	var m Manifest
	err := s.db.WithContext(ctx).Preload("Group").First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("manifest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest %d: %w", id, err)
	}
	return &m, nil
}

func (s *manifestStore) GetByExternalID(ctx context.Context, externalID string) (*Manifest, error) {
	var m Manifest
	err := s.db.WithContext(ctx).Preload("Group").
		Where("external_id = ?", externalID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("manifest %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest %q: %w", externalID, err)
	}
	return &m, nil
}

func (s *manifestStore) Create(ctx context.Context, m *Manifest) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create manifest %q: %w", m.ExternalID, err)
	}
	return nil
}

func (s *manifestStore) Update(ctx context.Context, m *Manifest) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("update manifest %q: %w", m.ExternalID, err)
	}
	return nil
}

func (s *manifestStore) UpdateLastSuccessfulRun(ctx context.Context, id int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Manifest{}).
		Where("id = ?", id).
		Update("last_successful_run", at)
	if res.Error != nil {
		return fmt.Errorf("update last successful run for manifest %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("manifest %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *manifestStore) GetOrCreateGroup(ctx context.Context, name string, maxActive *int, priority int) (*ManifestGroup, error) {
	if name == "" {
		name = DefaultGroupName
	}

	var group ManifestGroup
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&group).Error
	if err == nil {
		return &group, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get manifest group %q: %w", name, err)
	}

	group = ManifestGroup{
		Name:          name,
		MaxActiveJobs: maxActive,
		Priority:      ClampPriority(priority),
		IsEnabled:     true,
	}
	if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
		// Another scheduler may have materialized the group first.
		var existing ManifestGroup
		if lookupErr := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("create manifest group %q: %w", name, err)
	}
	return &group, nil
}

func (s *manifestStore) UpdateGroup(ctx context.Context, g *ManifestGroup) error {
	if err := s.db.WithContext(ctx).Save(g).Error; err != nil {
		return fmt.Errorf("update manifest group %q: %w", g.Name, err)
	}
	return nil
}

func (s *manifestStore) DeleteGroup(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group ManifestGroup
		err := tx.Where("name = ?", name).First(&group).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("manifest group %q: %w", name, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get manifest group %q: %w", name, err)
		}

		var refs int64
		if err := tx.Model(&Manifest{}).Where("manifest_group_id = ?", group.ID).Count(&refs).Error; err != nil {
			return fmt.Errorf("count group references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("manifest group %q has %d manifests: %w", name, refs, ErrGroupInUse)
		}
		if err := tx.Delete(&group).Error; err != nil {
			return fmt.Errorf("delete manifest group %q: %w", name, err)
		}
		return nil
	})
}

func (s *manifestStore) LoadSchedulingSnapshot(ctx context.Context) (*SchedulingSnapshot, error) {
	snap := &SchedulingSnapshot{
		FailedRuns:      make(map[int64]int),
		OpenDeadLetters: make(map[int64]bool),
		OpenWork:        make(map[int64]bool),
	}

	if err := s.db.WithContext(ctx).Preload("Group").Find(&snap.Manifests).Error; err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	// Failed runs are windowed to attempts newer than both the last
	// success and the last dead letter, so a resolved incident does
	// not dead-letter the manifest again on the next tick.
	type failedRow struct {
		ManifestID int64 `gorm:"column:manifest_id"`
		Failed     int   `gorm:"column:failed"`
	}
	var failed []failedRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT md.manifest_id AS manifest_id, COUNT(*) AS failed
		FROM metadata md
		JOIN manifest mf ON mf.id = md.manifest_id
		LEFT JOIN (
			SELECT manifest_id, MAX(dead_lettered_at) AS last_dl
			FROM dead_letter
			GROUP BY manifest_id
		) dl ON dl.manifest_id = mf.id
		WHERE md.workflow_state = ?
		  AND (mf.last_successful_run IS NULL OR md.start_time > mf.last_successful_run)
		  AND (dl.last_dl IS NULL OR md.start_time > dl.last_dl)
		GROUP BY md.manifest_id`, WorkflowStateFailed).Scan(&failed).Error
	if err != nil {
		return nil, fmt.Errorf("count failed runs: %w", err)
	}
	for _, row := range failed {
		snap.FailedRuns[row.ManifestID] = row.Failed
	}

	var openDL []int64
	err = s.db.WithContext(ctx).Model(&DeadLetter{}).
		Where("status = ?", DeadLetterStatusAwaitingIntervention).
		Distinct().Pluck("manifest_id", &openDL).Error
	if err != nil {
		return nil, fmt.Errorf("load open dead letters: %w", err)
	}
	for _, id := range openDL {
		snap.OpenDeadLetters[id] = true
	}

	// Open work means an entry that can still turn into (or is) a
	// live execution: Queued always counts, Dispatched only while its
	// metadata has not reached a terminal state.
	var openWork []int64
	err = s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT wq.manifest_id
		FROM work_queue wq
		LEFT JOIN metadata md ON md.id = wq.metadata_id
		WHERE wq.manifest_id IS NOT NULL
		  AND (wq.status = ?
		       OR (wq.status = ? AND md.workflow_state IN (?, ?)))`,
		WorkQueueStatusQueued, WorkQueueStatusDispatched,
		WorkflowStatePending, WorkflowStateInProgress).Scan(&openWork).Error
	if err != nil {
		return nil, fmt.Errorf("load open work: %w", err)
	}
	for _, id := range openWork {
		snap.OpenWork[id] = true
	}

	return snap, nil
}
