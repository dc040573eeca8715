package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type workQueueStore struct {
	db *gorm.DB
}

func (s *workQueueStore) Enqueue(ctx context.Context, w *WorkQueue) error {
	if w.ExternalID == "" {
		w.ExternalID = NewExternalID()
	}
	w.Priority = ClampPriority(w.Priority)
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("enqueue work for %q: %w", w.WorkflowName, err)
	}
	return nil
}

func (s *workQueueStore) ListQueued(ctx context.Context) ([]WorkQueue, error) {
	order := fmt.Sprintf(
		"CASE WHEN manifest.schedule_type = '%s' THEN 0 ELSE 1 END, work_queue.priority DESC, work_queue.created_at ASC",
		ScheduleTypeDependent)

	var items []WorkQueue
	err := s.db.WithContext(ctx).
		Preload("Manifest").Preload("Manifest.Group").
		Joins("LEFT JOIN manifest ON manifest.id = work_queue.manifest_id").
		Where("work_queue.status = ?", WorkQueueStatusQueued).
		Order(order).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list queued work: %w", err)
	}
	return items, nil
}

func (s *workQueueStore) Cancel(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&WorkQueue{}).
		Where("id = ? AND status = ?", id, WorkQueueStatusQueued).
		Update("status", WorkQueueStatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("cancel work queue item %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("work queue item %d: %w", id, ErrAlreadyDispatched)
	}
	return nil
}

func (s *workQueueStore) Dispatch(ctx context.Context, item *WorkQueue, now time.Time, enqueue EnqueueFunc) (*Metadata, error) {
	var md *Metadata

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Dead-letter retries arrive with their metadata already
		// created; everything else gets a fresh Pending row.
		if item.MetadataID != nil {
			var existing Metadata
			if err := tx.First(&existing, *item.MetadataID).Error; err != nil {
				return fmt.Errorf("load metadata %d for dispatch: %w", *item.MetadataID, err)
			}
			md = &existing
		} else {
			md = &Metadata{
				ExternalID:    NewExternalID(),
				Name:          item.WorkflowName,
				WorkflowState: WorkflowStatePending,
				StartTime:     now,
				Input:         item.Input,
				ManifestID:    item.ManifestID,
			}
			if err := tx.Create(md).Error; err != nil {
				return fmt.Errorf("create metadata for %q: %w", item.WorkflowName, err)
			}
		}

		res := tx.Model(&WorkQueue{}).
			Where("id = ? AND status = ?", item.ID, WorkQueueStatusQueued).
			Updates(map[string]any{
				"status":        WorkQueueStatusDispatched,
				"dispatched_at": now,
				"metadata_id":   md.ID,
			})
		if res.Error != nil {
			return fmt.Errorf("mark work queue item %d dispatched: %w", item.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyDispatched
		}

		if _, err := enqueue(ctx, tx, md, item.Input, item.InputTypeName); err != nil {
			return fmt.Errorf("enqueue background job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	item.Status = WorkQueueStatusDispatched
	item.DispatchedAt = &now
	item.MetadataID = &md.ID
	return md, nil
}
