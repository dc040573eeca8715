package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Memory backs an in-memory rendition of every store. It honors the
// same contracts as the Postgres facades and exists for unit tests
// and the inline task server.
type Memory struct {
	mu    sync.Mutex
	clock func() time.Time

	seq       int64
	manifests map[int64]*Manifest
	groups    map[int64]*ManifestGroup
	metadata  map[int64]*Metadata
	queue     map[int64]*WorkQueue
	letters   map[int64]*DeadLetter
	jobs      map[int64]*BackgroundJob
	steps     map[int64]*StepMetadata
	logs      map[int64]*Log
}

// NewMemory creates empty in-memory storage. A nil clock falls back
// to UTC now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		clock:     clock,
		manifests: map[int64]*Manifest{},
		groups:    map[int64]*ManifestGroup{},
		metadata:  map[int64]*Metadata{},
		queue:     map[int64]*WorkQueue{},
		letters:   map[int64]*DeadLetter{},
		jobs:      map[int64]*BackgroundJob{},
		steps:     map[int64]*StepMetadata{},
		logs:      map[int64]*Log{},
	}
}

// Stores returns the facade bundle over this memory.
func (m *Memory) Stores() *Stores {
	return &Stores{
		Manifests:   &memoryManifestStore{db: m},
		Metadata:    &memoryMetadataStore{db: m},
		WorkQueues:  &memoryWorkQueueStore{db: m},
		DeadLetters: &memoryDeadLetterStore{db: m},
		Jobs:        &memoryJobStore{db: m},
	}
}

// DataContextFactory returns a factory of memory-backed data
// contexts. Saving assigns ids to new rows the way the database
// would.
func (m *Memory) DataContextFactory() DataContextFactory {
	return func() DataContext { return &memoryDataContext{db: m} }
}

// Maintenance returns the memory-backed maintenance store.
func (m *Memory) Maintenance() MaintenanceStore {
	return &memoryMaintenanceStore{db: m}
}

// nextID must be called with the lock held.
func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

// groupCopy must be called with the lock held.
func (m *Memory) groupCopy(id int64) *ManifestGroup {
	g, ok := m.groups[id]
	if !ok {
		return nil
	}
	c := *g
	return &c
}

// manifestCopy attaches the group, mirroring the preload the gorm
// store performs. Must be called with the lock held.
func (m *Memory) manifestCopy(row *Manifest) *Manifest {
	c := *row
	c.Group = m.groupCopy(row.ManifestGroupID)
	return &c
}

// lastDeadLetteredAt must be called with the lock held.
func (m *Memory) lastDeadLetteredAt(manifestID int64) *time.Time {
	var last *time.Time
	for _, d := range m.letters {
		if d.ManifestID != manifestID {
			continue
		}
		if last == nil || d.DeadLetteredAt.After(*last) {
			at := d.DeadLetteredAt
			last = &at
		}
	}
	return last
}

type memoryManifestStore struct {
	db *Memory
}

func (s *memoryManifestStore) GetByID(_ context.Context, id int64) (*Manifest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest %d: %w", id, ErrNotFound)
	}
	return s.db.manifestCopy(row), nil
}

func (s *memoryManifestStore) GetByExternalID(_ context.Context, externalID string) (*Manifest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, row := range s.db.manifests {
		if row.ExternalID == externalID {
			return s.db.manifestCopy(row), nil
		}
	}
	return nil, fmt.Errorf("manifest %q: %w", externalID, ErrNotFound)
}

func (s *memoryManifestStore) Create(_ context.Context, m *Manifest) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.db.nextID()
	}
	now := s.db.clock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	c := *m
	s.db.manifests[m.ID] = &c
	return nil
}

func (s *memoryManifestStore) Update(_ context.Context, m *Manifest) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c := *m
	s.db.manifests[m.ID] = &c
	return nil
}

func (s *memoryManifestStore) UpdateLastSuccessfulRun(_ context.Context, id int64, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.manifests[id]
	if !ok {
		return fmt.Errorf("manifest %d: %w", id, ErrNotFound)
	}
	row.LastSuccessfulRun = &at
	return nil
}

func (s *memoryManifestStore) GetOrCreateGroup(_ context.Context, name string, maxActive *int, priority int) (*ManifestGroup, error) {
	if name == "" {
		name = DefaultGroupName
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, g := range s.db.groups {
		if g.Name == name {
			c := *g
			return &c, nil
		}
	}
	now := s.db.clock()
	g := &ManifestGroup{
		ID:            s.db.nextID(),
		Name:          name,
		MaxActiveJobs: maxActive,
		Priority:      ClampPriority(priority),
		IsEnabled:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.db.groups[g.ID] = g
	c := *g
	return &c, nil
}

func (s *memoryManifestStore) UpdateGroup(_ context.Context, g *ManifestGroup) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c := *g
	s.db.groups[g.ID] = &c
	return nil
}

func (s *memoryManifestStore) DeleteGroup(_ context.Context, name string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var group *ManifestGroup
	for _, g := range s.db.groups {
		if g.Name == name {
			group = g
			break
		}
	}
	if group == nil {
		return fmt.Errorf("manifest group %q: %w", name, ErrNotFound)
	}
	refs := 0
	for _, m := range s.db.manifests {
		if m.ManifestGroupID == group.ID {
			refs++
		}
	}
	if refs > 0 {
		return fmt.Errorf("manifest group %q has %d manifests: %w", name, refs, ErrGroupInUse)
	}
	delete(s.db.groups, group.ID)
	return nil
}

func (s *memoryManifestStore) LoadSchedulingSnapshot(_ context.Context) (*SchedulingSnapshot, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	snap := &SchedulingSnapshot{
		FailedRuns:      make(map[int64]int),
		OpenDeadLetters: make(map[int64]bool),
		OpenWork:        make(map[int64]bool),
	}

	ids := make([]int64, 0, len(s.db.manifests))
	for id := range s.db.manifests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Manifests = append(snap.Manifests, *s.db.manifestCopy(s.db.manifests[id]))
	}

	for _, md := range s.db.metadata {
		if md.WorkflowState != WorkflowStateFailed || md.ManifestID == nil {
			continue
		}
		mf, ok := s.db.manifests[*md.ManifestID]
		if !ok {
			continue
		}
		if mf.LastSuccessfulRun != nil && !md.StartTime.After(*mf.LastSuccessfulRun) {
			continue
		}
		if lastDL := s.db.lastDeadLetteredAt(mf.ID); lastDL != nil && !md.StartTime.After(*lastDL) {
			continue
		}
		snap.FailedRuns[mf.ID]++
	}

	for _, d := range s.db.letters {
		if d.Status == DeadLetterStatusAwaitingIntervention {
			snap.OpenDeadLetters[d.ManifestID] = true
		}
	}

	for _, w := range s.db.queue {
		if w.ManifestID == nil {
			continue
		}
		switch w.Status {
		case WorkQueueStatusQueued:
			snap.OpenWork[*w.ManifestID] = true
		case WorkQueueStatusDispatched:
			if w.MetadataID == nil {
				continue
			}
			if md, ok := s.db.metadata[*w.MetadataID]; ok {
				if md.WorkflowState == WorkflowStatePending || md.WorkflowState == WorkflowStateInProgress {
					snap.OpenWork[*w.ManifestID] = true
				}
			}
		}
	}
	return snap, nil
}

type memoryMetadataStore struct {
	db *Memory
}

func (s *memoryMetadataStore) Create(_ context.Context, m *Metadata) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.db.nextID()
	}
	c := *m
	c.Manifest = nil
	s.db.metadata[m.ID] = &c
	return nil
}

func (s *memoryMetadataStore) Get(_ context.Context, id int64) (*Metadata, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.metadata[id]
	if !ok {
		return nil, fmt.Errorf("metadata %d: %w", id, ErrNotFound)
	}
	c := *row
	return &c, nil
}

func (s *memoryMetadataStore) GetWithManifest(_ context.Context, id int64) (*Metadata, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.metadata[id]
	if !ok {
		return nil, fmt.Errorf("metadata %d: %w", id, ErrNotFound)
	}
	c := *row
	if c.ManifestID != nil {
		if mf, ok := s.db.manifests[*c.ManifestID]; ok {
			c.Manifest = s.db.manifestCopy(mf)
		}
	}
	return &c, nil
}

func (s *memoryMetadataStore) Update(_ context.Context, m *Metadata) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c := *m
	c.Manifest = nil
	s.db.metadata[m.ID] = &c
	return nil
}

func (s *memoryMetadataStore) ActiveCountsByGroup(_ context.Context) (map[int64]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	counts := map[int64]int{}
	for _, md := range s.db.metadata {
		if md.ManifestID == nil {
			continue
		}
		if md.WorkflowState != WorkflowStatePending && md.WorkflowState != WorkflowStateInProgress {
			continue
		}
		if mf, ok := s.db.manifests[*md.ManifestID]; ok {
			counts[mf.ManifestGroupID]++
		}
	}
	return counts, nil
}

type memoryWorkQueueStore struct {
	db *Memory
}

func (s *memoryWorkQueueStore) Enqueue(_ context.Context, w *WorkQueue) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if w.ExternalID == "" {
		w.ExternalID = NewExternalID()
	}
	w.Priority = ClampPriority(w.Priority)
	if w.ID == 0 {
		w.ID = s.db.nextID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.db.clock()
	}
	c := *w
	c.Manifest = nil
	s.db.queue[w.ID] = &c
	return nil
}

func (s *memoryWorkQueueStore) ListQueued(_ context.Context) ([]WorkQueue, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var items []WorkQueue
	for _, row := range s.db.queue {
		if row.Status != WorkQueueStatusQueued {
			continue
		}
		c := *row
		if c.ManifestID != nil {
			if mf, ok := s.db.manifests[*c.ManifestID]; ok {
				c.Manifest = s.db.manifestCopy(mf)
			}
		}
		items = append(items, c)
	}

	rank := func(w WorkQueue) int {
		if w.Manifest != nil && w.Manifest.ScheduleType == ScheduleTypeDependent {
			return 0
		}
		return 1
	}
	sort.SliceStable(items, func(i, j int) bool {
		if a, b := rank(items[i]), rank(items[j]); a != b {
			return a < b
		}
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *memoryWorkQueueStore) Cancel(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.queue[id]
	if !ok || row.Status != WorkQueueStatusQueued {
		return fmt.Errorf("work queue item %d: %w", id, ErrAlreadyDispatched)
	}
	row.Status = WorkQueueStatusCancelled
	return nil
}

func (s *memoryWorkQueueStore) Dispatch(ctx context.Context, item *WorkQueue, now time.Time, enqueue EnqueueFunc) (*Metadata, error) {
	db := s.db
	db.mu.Lock()
	row, ok := db.queue[item.ID]
	if !ok || row.Status != WorkQueueStatusQueued {
		db.mu.Unlock()
		return nil, fmt.Errorf("work queue item %d: %w", item.ID, ErrAlreadyDispatched)
	}

	var md *Metadata
	createdMetadata := false
	if item.MetadataID != nil {
		existing, ok := db.metadata[*item.MetadataID]
		if !ok {
			db.mu.Unlock()
			return nil, fmt.Errorf("load metadata %d for dispatch: %w", *item.MetadataID, ErrNotFound)
		}
		c := *existing
		md = &c
	} else {
		md = &Metadata{
			ID:            db.nextID(),
			ExternalID:    NewExternalID(),
			Name:          item.WorkflowName,
			WorkflowState: WorkflowStatePending,
			StartTime:     now,
			Input:         item.Input,
			ManifestID:    item.ManifestID,
		}
		c := *md
		db.metadata[md.ID] = &c
		createdMetadata = true
	}
	row.Status = WorkQueueStatusDispatched
	row.DispatchedAt = &now
	row.MetadataID = &md.ID
	db.mu.Unlock()

	// The enqueue callback may reach back into these stores, so it
	// runs outside the lock; a failure reverts the staged changes to
	// keep the item Queued for the next tick.
	if _, err := enqueue(ctx, nil, md, item.Input, item.InputTypeName); err != nil {
		db.mu.Lock()
		if r, ok := db.queue[item.ID]; ok {
			r.Status = WorkQueueStatusQueued
			r.DispatchedAt = nil
			r.MetadataID = item.MetadataID
		}
		if createdMetadata {
			delete(db.metadata, md.ID)
		}
		db.mu.Unlock()
		return nil, fmt.Errorf("enqueue background job: %w", err)
	}

	item.Status = WorkQueueStatusDispatched
	item.DispatchedAt = &now
	item.MetadataID = &md.ID
	return md, nil
}

type memoryDeadLetterStore struct {
	db *Memory
}

func (s *memoryDeadLetterStore) Create(_ context.Context, d *DeadLetter) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.db.nextID()
	}
	c := *d
	c.Manifest = nil
	s.db.letters[d.ID] = &c
	return nil
}

func (s *memoryDeadLetterStore) Get(_ context.Context, id int64) (*DeadLetter, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.letters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
	}
	c := *row
	if mf, ok := s.db.manifests[c.ManifestID]; ok {
		c.Manifest = s.db.manifestCopy(mf)
	}
	return &c, nil
}

func (s *memoryDeadLetterStore) List(_ context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var letters []DeadLetter
	for _, row := range s.db.letters {
		if status != "" && row.Status != status {
			continue
		}
		c := *row
		if mf, ok := s.db.manifests[c.ManifestID]; ok {
			c.Manifest = s.db.manifestCopy(mf)
		}
		letters = append(letters, c)
	}
	sort.Slice(letters, func(i, j int) bool {
		return letters[i].DeadLetteredAt.After(letters[j].DeadLetteredAt)
	})
	return letters, nil
}

func (s *memoryDeadLetterStore) Acknowledge(_ context.Context, id int64, note string, now time.Time) (*DeadLetter, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, err := s.lockOpen(id)
	if err != nil {
		return nil, err
	}
	row.Status = DeadLetterStatusAcknowledged
	row.ResolvedAt = &now
	row.ResolutionNote = &note
	c := *row
	return &c, nil
}

func (s *memoryDeadLetterStore) Retry(_ context.Context, id int64, newInput json.RawMessage, now time.Time) (*DeadLetter, *Metadata, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, err := s.lockOpen(id)
	if err != nil {
		return nil, nil, err
	}
	manifest, ok := s.db.manifests[row.ManifestID]
	if !ok {
		return nil, nil, fmt.Errorf("load manifest %d for retry: %w", row.ManifestID, ErrNotFound)
	}

	input := manifest.Properties
	if newInput != nil {
		input = newInput
	}

	md := &Metadata{
		ID:            s.db.nextID(),
		ExternalID:    NewExternalID(),
		Name:          manifest.Name,
		WorkflowState: WorkflowStatePending,
		StartTime:     now,
		Input:         input,
		ManifestID:    &manifest.ID,
	}
	s.db.metadata[md.ID] = md

	priority := MinPriority
	if g, ok := s.db.groups[manifest.ManifestGroupID]; ok {
		priority = ClampPriority(g.Priority)
	}
	item := &WorkQueue{
		ID:            s.db.nextID(),
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
	s.db.queue[item.ID] = item

	row.Status = DeadLetterStatusRetried
	row.ResolvedAt = &now
	row.RetryMetadataID = &md.ID

	letter := *row
	mdCopy := *md
	return &letter, &mdCopy, nil
}

// lockOpen must be called with the lock held.
func (s *memoryDeadLetterStore) lockOpen(id int64) (*DeadLetter, error) {
	row, ok := s.db.letters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
	}
	if row.Status != DeadLetterStatusAwaitingIntervention {
		return nil, fmt.Errorf("dead letter %d is %s: %w", id, row.Status, ErrDeadLetterResolved)
	}
	return row, nil
}

type memoryJobStore struct {
	db *Memory
}

func (s *memoryJobStore) Enqueue(_ context.Context, _ *gorm.DB, metadataID int64, input json.RawMessage, inputType string, now time.Time) (string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	job := &BackgroundJob{
		ID:         s.db.nextID(),
		ExternalID: NewExternalID(),
		MetadataID: metadataID,
		Input:      input,
		InputType:  inputType,
		CreatedAt:  now,
	}
	s.db.jobs[job.ID] = job
	return job.ExternalID, nil
}

func (s *memoryJobStore) Claim(_ context.Context, visibility time.Duration) (*BackgroundJob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	cutoff := s.db.clock().Add(-visibility)
	var oldest *BackgroundJob
	for _, job := range s.db.jobs {
		if job.FetchedAt != nil && !job.FetchedAt.Before(cutoff) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := s.db.clock()
	oldest.FetchedAt = &now
	c := *oldest
	return &c, nil
}

func (s *memoryJobStore) Delete(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.jobs, id)
	return nil
}

func (s *memoryJobStore) Depth(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return int64(len(s.db.jobs)), nil
}

type memoryMaintenanceStore struct {
	db *Memory
}

func (s *memoryMaintenanceStore) PurgeTerminalMetadata(_ context.Context, workflowName string, cutoff time.Time) (MaintenanceStats, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	doomedIDs := map[int64]bool{}
	doomedExternal := map[string]bool{}
	for id, md := range s.db.metadata {
		if md.Name != workflowName || !md.StartTime.Before(cutoff) {
			continue
		}
		if md.WorkflowState != WorkflowStateCompleted && md.WorkflowState != WorkflowStateFailed {
			continue
		}
		doomedIDs[id] = true
		doomedExternal[md.ExternalID] = true
	}

	var stats MaintenanceStats
	for id, w := range s.db.queue {
		if w.MetadataID != nil && doomedIDs[*w.MetadataID] {
			delete(s.db.queue, id)
			stats.WorkQueues++
		}
	}
	for id, l := range s.db.logs {
		if doomedIDs[l.MetadataID] {
			delete(s.db.logs, id)
			stats.Logs++
		}
	}
	for id, st := range s.db.steps {
		if doomedExternal[st.WorkflowExternalID] {
			delete(s.db.steps, id)
			stats.StepMetadata++
		}
	}
	for id := range doomedIDs {
		delete(s.db.metadata, id)
		stats.Metadata++
	}
	return stats, nil
}

func (s *memoryMaintenanceStore) StatusReport(_ context.Context) (*StatusReport, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	report := &StatusReport{
		MetadataByState:  make(map[string]int64),
		WorkQueueByState: make(map[string]int64),
		DeadLetters:      make(map[string]int64),
		BackgroundJobs:   int64(len(s.db.jobs)),
		Manifests:        int64(len(s.db.manifests)),
	}
	for _, m := range s.db.manifests {
		if m.IsEnabled {
			report.EnabledManifests++
		}
	}
	for _, md := range s.db.metadata {
		report.MetadataByState[string(md.WorkflowState)]++
	}
	for _, w := range s.db.queue {
		report.WorkQueueByState[string(w.Status)]++
	}
	for _, d := range s.db.letters {
		report.DeadLetters[string(d.Status)]++
	}
	return report, nil
}

// memoryDataContext tracks models and writes them into the shared
// memory on save, assigning ids and external ids to new rows.
type memoryDataContext struct {
	db      *Memory
	mu      sync.Mutex
	tracked []any
}

func (d *memoryDataContext) Track(model any) {
	if model == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tracked {
		if t == model {
			return
		}
	}
	d.tracked = append(d.tracked, model)
}

func (d *memoryDataContext) SaveChanges(_ context.Context) error {
	d.mu.Lock()
	tracked := make([]any, len(d.tracked))
	copy(tracked, d.tracked)
	d.mu.Unlock()

	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for _, model := range tracked {
		if err := d.persist(model); err != nil {
			return err
		}
	}
	return nil
}

// persist must be called with the database lock held.
func (d *memoryDataContext) persist(model any) error {
	db := d.db
	switch t := model.(type) {
	case *Metadata:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		if t.ExternalID == "" {
			t.ExternalID = NewExternalID()
		}
		c := *t
		c.Manifest = nil
		db.metadata[t.ID] = &c
	case *Manifest:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		c.Group = nil
		c.DependsOn = nil
		c.DeadLetters = nil
		db.manifests[t.ID] = &c
	case *ManifestGroup:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		db.groups[t.ID] = &c
	case *WorkQueue:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		if t.ExternalID == "" {
			t.ExternalID = NewExternalID()
		}
		c := *t
		c.Manifest = nil
		db.queue[t.ID] = &c
	case *DeadLetter:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		c.Manifest = nil
		db.letters[t.ID] = &c
	case *StepMetadata:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		db.steps[t.ID] = &c
	case *Log:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		db.logs[t.ID] = &c
	case *BackgroundJob:
		if t.ID == 0 {
			t.ID = db.nextID()
		}
		c := *t
		db.jobs[t.ID] = &c
	default:
		return fmt.Errorf("save %T: model not supported by memory storage", model)
	}
	return nil
}

func (d *memoryDataContext) BeginTransaction(context.Context, ...*sql.TxOptions) (Transaction, error) {
	// Memory storage has no real transactions; the handle is a no-op
	// with a nil DB.
	return memoryTransaction{}, nil
}

func (d *memoryDataContext) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = nil
}

type memoryTransaction struct{}

func (memoryTransaction) Commit() error   { return nil }
func (memoryTransaction) Rollback() error { return nil }
func (memoryTransaction) DB() *gorm.DB    { return nil }
