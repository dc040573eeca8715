package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type backgroundJobStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func (s *backgroundJobStore) Enqueue(ctx context.Context, tx *gorm.DB, metadataID int64, input json.RawMessage, inputType string, now time.Time) (string, error) {
	handle := s.db.WithContext(ctx)
	if tx != nil {
		handle = tx
	}

	job := &BackgroundJob{
		ExternalID: NewExternalID(),
		MetadataID: metadataID,
		Input:      input,
		InputType:  inputType,
		CreatedAt:  now,
	}
	if err := handle.Create(job).Error; err != nil {
		return "", fmt.Errorf("create background job for metadata %d: %w", metadataID, err)
	}
	return job.ExternalID, nil
}

// Claim leases the oldest claimable row inside a single transaction.
// SELECT ... FOR UPDATE SKIP LOCKED keeps concurrent workers off the
// same row; a row is claimable when it was never fetched or its lease
// aged past the visibility timeout.
func (s *backgroundJobStore) Claim(ctx context.Context, visibility time.Duration) (*BackgroundJob, error) {
	var claimed *BackgroundJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := s.clock().Add(-visibility)

		var job BackgroundJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("fetched_at IS NULL OR fetched_at < ?", cutoff).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		now := s.clock()
		job.FetchedAt = &now
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("lease job %d: %w", job.ID, err)
		}

		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *backgroundJobStore) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&BackgroundJob{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete background job %d: %w", id, res.Error)
	}
	return nil
}

func (s *backgroundJobStore) Depth(ctx context.Context) (int64, error) {
	var depth int64
	if err := s.db.WithContext(ctx).Model(&BackgroundJob{}).Count(&depth).Error; err != nil {
		return 0, fmt.Errorf("count background jobs: %w", err)
	}
	return depth, nil
}
