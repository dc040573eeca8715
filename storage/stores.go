package storage

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// ManifestStore persists manifests and their groups.
type ManifestStore interface {
	GetByID(ctx context.Context, id int64) (*Manifest, error)
	GetByExternalID(ctx context.Context, externalID string) (*Manifest, error)
	Create(ctx context.Context, m *Manifest) error
	Update(ctx context.Context, m *Manifest) error
	// UpdateLastSuccessfulRun stamps the manifest after a successful
	// scheduled execution.
	UpdateLastSuccessfulRun(ctx context.Context, id int64, at time.Time) error
	// GetOrCreateGroup materializes a group on first reference.
	GetOrCreateGroup(ctx context.Context, name string, maxActive *int, priority int) (*ManifestGroup, error)
	// UpdateGroup saves group changes, such as disabling dispatch for
	// every manifest in the group.
	UpdateGroup(ctx context.Context, g *ManifestGroup) error
	// DeleteGroup removes a group; it fails with ErrGroupInUse while
	// manifests still reference it.
	DeleteGroup(ctx context.Context, name string) error
	// LoadSchedulingSnapshot gathers everything one manager tick
	// needs: all manifests with groups, windowed failure counts, open
	// dead letters and open work per manifest.
	LoadSchedulingSnapshot(ctx context.Context) (*SchedulingSnapshot, error)
}

// SchedulingSnapshot is the manager's per-tick view of the schedule.
type SchedulingSnapshot struct {
	// Manifests holds every manifest, enabled or not, with Group
	// preloaded. Disabled manifests are present so dependents can
	// resolve their parents.
	Manifests []Manifest
	// FailedRuns counts Failed metadata rows per manifest, windowed
	// to runs newer than the last success and the last dead letter.
	FailedRuns map[int64]int
	// OpenDeadLetters marks manifests with an AwaitingIntervention
	// dead letter.
	OpenDeadLetters map[int64]bool
	// OpenWork marks manifests with an in-flight work queue entry:
	// Queued, or Dispatched with a non-terminal metadata.
	OpenWork map[int64]bool
}

// ManifestByID returns the snapshot manifest with the given id.
func (s *SchedulingSnapshot) ManifestByID(id int64) *Manifest {
	for i := range s.Manifests {
		if s.Manifests[i].ID == id {
			return &s.Manifests[i]
		}
	}
	return nil
}

// MetadataStore persists workflow execution attempts.
type MetadataStore interface {
	Create(ctx context.Context, m *Metadata) error
	Get(ctx context.Context, id int64) (*Metadata, error)
	GetWithManifest(ctx context.Context, id int64) (*Metadata, error)
	Update(ctx context.Context, m *Metadata) error
	// ActiveCountsByGroup counts Pending and InProgress metadata per
	// manifest group.
	ActiveCountsByGroup(ctx context.Context) (map[int64]int, error)
}

// EnqueueFunc hands a dispatched job to a task server inside the
// dispatch transaction. The tx handle is nil for servers that do not
// persist jobs.
type EnqueueFunc func(ctx context.Context, tx *gorm.DB, md *Metadata, input json.RawMessage, inputType string) (string, error)

// WorkQueueStore persists intents to run.
type WorkQueueStore interface {
	Enqueue(ctx context.Context, w *WorkQueue) error
	// ListQueued returns Queued items with Manifest and Group
	// preloaded, ordered dependent-schedule first, then priority
	// descending, then oldest first.
	ListQueued(ctx context.Context) ([]WorkQueue, error)
	Cancel(ctx context.Context, id int64) error
	// Dispatch atomically creates (or adopts) the metadata row, flips
	// the item to Dispatched, and hands the job to enqueue. The whole
	// unit rolls back together, leaving the item Queued for the next
	// tick. Losing the status race returns ErrAlreadyDispatched.
	Dispatch(ctx context.Context, item *WorkQueue, now time.Time, enqueue EnqueueFunc) (*Metadata, error)
}

// DeadLetterStore persists dead letters and their lifecycle.
type DeadLetterStore interface {
	Create(ctx context.Context, d *DeadLetter) error
	Get(ctx context.Context, id int64) (*DeadLetter, error)
	List(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error)
	// Acknowledge resolves a dead letter without retrying.
	Acknowledge(ctx context.Context, id int64, note string, now time.Time) (*DeadLetter, error)
	// Retry re-queues the manifest: a fresh Pending metadata and a
	// Queued work queue item are created in the same transaction that
	// marks the dead letter Retried. A nil newInput reuses the
	// manifest's properties.
	Retry(ctx context.Context, id int64, newInput json.RawMessage, now time.Time) (*DeadLetter, *Metadata, error)
}

// BackgroundJobStore persists claimable job rows.
type BackgroundJobStore interface {
	// Enqueue inserts a job row, joining tx when non-nil.
	Enqueue(ctx context.Context, tx *gorm.DB, metadataID int64, input json.RawMessage, inputType string, now time.Time) (string, error)
	// Claim leases the oldest claimable row, or returns (nil, nil)
	// when none is available. Concurrent claimers never receive the
	// same row.
	Claim(ctx context.Context, visibility time.Duration) (*BackgroundJob, error)
	Delete(ctx context.Context, id int64) error
	Depth(ctx context.Context) (int64, error)
}

// Stores bundles every facade over one client.
type Stores struct {
	Manifests   ManifestStore
	Metadata    MetadataStore
	WorkQueues  WorkQueueStore
	DeadLetters DeadLetterStore
	Jobs        BackgroundJobStore
}

// NewStores builds the gorm-backed facades. The clock is used wherever
// a store stamps time itself; it defaults to UTC now.
func NewStores(client *Client, clock func() time.Time) *Stores {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Stores{
		Manifests:   &manifestStore{db: client.db},
		Metadata:    &metadataStore{db: client.db},
		WorkQueues:  &workQueueStore{db: client.db},
		DeadLetters: &deadLetterStore{db: client.db},
		Jobs:        &backgroundJobStore{db: client.db, clock: clock},
	}
}
