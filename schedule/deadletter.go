package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stepflow/storage"
)

// DeadLetterService is the operator surface over dead letters: list
// what needs intervention, then retry or acknowledge each one.
type DeadLetterService struct {
	letters storage.DeadLetterStore
	logger  *slog.Logger
	clock   func() time.Time
}

// NewDeadLetterService creates the service. A nil logger or clock
// falls back to defaults.
func NewDeadLetterService(letters storage.DeadLetterStore, logger *slog.Logger, clock func() time.Time) *DeadLetterService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &DeadLetterService{letters: letters, logger: logger, clock: clock}
}

// List returns dead letters with the given status. An empty status
// lists everything.
func (s *DeadLetterService) List(ctx context.Context, status storage.DeadLetterStatus) ([]storage.DeadLetter, error) {
	return s.letters.List(ctx, status)
}

// Awaiting returns the dead letters still waiting on an operator.
func (s *DeadLetterService) Awaiting(ctx context.Context) ([]storage.DeadLetter, error) {
	return s.letters.List(ctx, storage.DeadLetterStatusAwaitingIntervention)
}

// Acknowledge resolves the dead letter without retrying. The manifest
// becomes schedulable again on its own cadence.
func (s *DeadLetterService) Acknowledge(ctx context.Context, id int64, note string) (*storage.DeadLetter, error) {
	d, err := s.letters.Acknowledge(ctx, id, note, s.clock())
	if err != nil {
		return nil, fmt.Errorf("acknowledge dead letter %d: %w", id, err)
	}
	s.logger.Info("dead letter acknowledged", "dead_letter_id", d.ID, "manifest_id", d.ManifestID)
	return d, nil
}

// Retry re-queues the dead letter's manifest. A non-nil newInput
// replaces the manifest's stored properties for this run only; it
// must be valid JSON.
func (s *DeadLetterService) Retry(ctx context.Context, id int64, newInput json.RawMessage) (*storage.DeadLetter, *storage.Metadata, error) {
	if len(newInput) > 0 && !json.Valid(newInput) {
		return nil, nil, fmt.Errorf("retry dead letter %d: replacement input is not valid JSON", id)
	}
	d, md, err := s.letters.Retry(ctx, id, newInput, s.clock())
	if err != nil {
		return nil, nil, fmt.Errorf("retry dead letter %d: %w", id, err)
	}
	s.logger.Info("dead letter retried",
		"dead_letter_id", d.ID,
		"manifest_id", d.ManifestID,
		"metadata_id", md.ID)
	return d, md, nil
}
