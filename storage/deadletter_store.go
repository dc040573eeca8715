package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type deadLetterStore struct {
	db *gorm.DB
}

func (s *deadLetterStore) Create(ctx context.Context, d *DeadLetter) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create dead letter for manifest %d: %w", d.ManifestID, err)
	}
	return nil
}

func (s *deadLetterStore) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	var d DeadLetter
	err := s.db.WithContext(ctx).Preload("Manifest").Preload("Manifest.Group").First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	return &d, nil
}

func (s *deadLetterStore) List(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	q := s.db.WithContext(ctx).Preload("Manifest").Order("dead_lettered_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var letters []DeadLetter
	if err := q.Find(&letters).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

func (s *deadLetterStore) Acknowledge(ctx context.Context, id int64, note string, now time.Time) (*DeadLetter, error) {
	var letter *DeadLetter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		letter, err = s.lockOpen(tx, id)
		if err != nil {
			return err
		}

		letter.Status = DeadLetterStatusAcknowledged
		letter.ResolvedAt = &now
		letter.ResolutionNote = &note
		if err := tx.Save(letter).Error; err != nil {
			return fmt.Errorf("acknowledge dead letter %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return letter, nil
}

func (s *deadLetterStore) Retry(ctx context.Context, id int64, newInput json.RawMessage, now time.Time) (*DeadLetter, *Metadata, error) {
	var (
		letter *DeadLetter
		md     *Metadata
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		letter, err = s.lockOpen(tx, id)
		if err != nil {
			return err
		}

		var manifest Manifest
		if err := tx.Preload("Group").First(&manifest, letter.ManifestID).Error; err != nil {
			return fmt.Errorf("load manifest %d for retry: %w", letter.ManifestID, err)
		}

		input := manifest.Properties
		if newInput != nil {
			input = newInput
		}

		md = &Metadata{
			ExternalID:    NewExternalID(),
			Name:          manifest.Name,
			WorkflowState: WorkflowStatePending,
			StartTime:     now,
			Input:         input,
			ManifestID:    &manifest.ID,
		}
		if err := tx.Create(md).Error; err != nil {
			return fmt.Errorf("create retry metadata: %w", err)
		}

		priority := MinPriority
		if manifest.Group != nil {
			priority = ClampPriority(manifest.Group.Priority)
		}
		item := &WorkQueue{
			ExternalID:    NewExternalID(),
			WorkflowName:  manifest.Name,
			Input:         input,
			InputTypeName: manifest.PropertyType,
			Status:        WorkQueueStatusQueued,
			CreatedAt:     now,
			Priority:      priority,
			ManifestID:    &manifest.ID,
			MetadataID:    &md.ID,
		}
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("create retry work queue item: %w", err)
		}

		letter.Status = DeadLetterStatusRetried
		letter.ResolvedAt = &now
		letter.RetryMetadataID = &md.ID
		if err := tx.Save(letter).Error; err != nil {
			return fmt.Errorf("mark dead letter %d retried: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return letter, md, nil
}

// lockOpen fetches the dead letter for update and verifies it is still
// awaiting intervention.
func (s *deadLetterStore) lockOpen(tx *gorm.DB, id int64) (*DeadLetter, error) {
	var letter DeadLetter
	err := tx.First(&letter, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	if letter.Status != DeadLetterStatusAwaitingIntervention {
		return nil, fmt.Errorf("dead letter %d is %s: %w", id, letter.Status, ErrDeadLetterResolved)
	}
	return &letter, nil
}
