package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type metadataStore struct {
	db *gorm.DB
}

func (s *metadataStore) Create(ctx context.Context, m *Metadata) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create metadata %q: %w", m.ExternalID, err)
	}
	return nil
}

func (s *metadataStore) Get(ctx context.Context, id int64) (*Metadata, error) {
	var m Metadata
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("metadata %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %d: %w", id, err)
	}
	return &m, nil
}

func (s *metadataStore) GetWithManifest(ctx context.Context, id int64) (*Metadata, error) {
	var m Metadata
	err := s.db.WithContext(ctx).Preload("Manifest").Preload("Manifest.Group").First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("metadata %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %d: %w", id, err)
	}
	return &m, nil
}

func (s *metadataStore) Update(ctx context.Context, m *Metadata) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("update metadata %q: %w", m.ExternalID, err)
	}
	return nil
}

func (s *metadataStore) ActiveCountsByGroup(ctx context.Context) (map[int64]int, error) {
	type activeRow struct {
		GroupID int64 `gorm:"column:group_id"`
		Active  int   `gorm:"column:active"`
	}
	var rows []activeRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT mf.manifest_group_id AS group_id, COUNT(*) AS active
		FROM metadata md
		JOIN manifest mf ON mf.id = md.manifest_id
		WHERE md.workflow_state IN (?, ?)
		GROUP BY mf.manifest_group_id`,
		WorkflowStatePending, WorkflowStateInProgress).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count active metadata by group: %w", err)
	}

	counts := make(map[int64]int, len(rows))
	for _, row := range rows {
		counts[row.GroupID] = row.Active
	}
	return counts, nil
}
