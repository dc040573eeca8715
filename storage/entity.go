// Package storage provides the relational persistence layer: the
// entity model shared by the scheduler and the workflow runtime, store
// facades over gorm, a raw sqlx client for bulk operations, and the
// tracked data context used by the effect system.
package storage

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Table names for all persisted entities.
const (
	TableNameMetadata      = "metadata"
	TableNameStepMetadata  = "step_metadata"
	TableNameLog           = "log"
	TableNameManifest      = "manifest"
	TableNameManifestGroup = "manifest_group"
	TableNameWorkQueue     = "work_queue"
	TableNameDeadLetter    = "dead_letter"
	TableNameBackgroundJob = "background_job"
)

// WorkflowState is the lifecycle state of a workflow execution attempt.
type WorkflowState string

const (
	WorkflowStatePending    WorkflowState = "Pending"
	WorkflowStateInProgress WorkflowState = "InProgress"
	WorkflowStateCompleted  WorkflowState = "Completed"
	WorkflowStateFailed     WorkflowState = "Failed"
)

// IsTerminal reports whether the state is final.
func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowStateCompleted || s == WorkflowStateFailed
}

// ScheduleType is the cadence of a manifest.
type ScheduleType string

const (
	ScheduleTypeNone      ScheduleType = "None"
	ScheduleTypeCron      ScheduleType = "Cron"
	ScheduleTypeInterval  ScheduleType = "Interval"
	ScheduleTypeOnDemand  ScheduleType = "OnDemand"
	ScheduleTypeDependent ScheduleType = "Dependent"
)

// WorkQueueStatus is the dispatch state of a work queue item.
type WorkQueueStatus string

const (
	WorkQueueStatusQueued     WorkQueueStatus = "Queued"
	WorkQueueStatusDispatched WorkQueueStatus = "Dispatched"
	WorkQueueStatusCancelled  WorkQueueStatus = "Cancelled"
)

// DeadLetterStatus is the lifecycle state of a dead letter.
type DeadLetterStatus string

const (
	DeadLetterStatusAwaitingIntervention DeadLetterStatus = "AwaitingIntervention"
	DeadLetterStatusRetried              DeadLetterStatus = "Retried"
	DeadLetterStatusAcknowledged         DeadLetterStatus = "Acknowledged"
)

// Priority bounds for manifest groups and work queue items.
const (
	MinPriority = 0
	MaxPriority = 31
)

// ClampPriority forces p into the [MinPriority, MaxPriority] range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// NewExternalID returns a fresh 32 lowercase hex character identifier.
func NewExternalID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Metadata is one row per workflow execution attempt.
type Metadata struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID       string          `gorm:"column:external_id;size:32;uniqueIndex" json:"external_id"`
	Name             string          `gorm:"column:name;size:255;index" json:"name"`
	ParentID         *int64          `gorm:"column:parent_id;index" json:"parent_id,omitempty"`
	WorkflowState    WorkflowState   `gorm:"column:workflow_state;size:32;index" json:"workflow_state"`
	StartTime        time.Time       `gorm:"column:start_time" json:"start_time"`
	EndTime          *time.Time      `gorm:"column:end_time" json:"end_time,omitempty"`
	FailureStep      *string         `gorm:"column:failure_step;size:255" json:"failure_step,omitempty"`
	FailureException *string         `gorm:"column:failure_exception;type:text" json:"failure_exception,omitempty"`
	FailureReason    *string         `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	StackTrace       *string         `gorm:"column:stack_trace;type:text" json:"stack_trace,omitempty"`
	Input            json.RawMessage `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	Output           json.RawMessage `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	ManifestID       *int64          `gorm:"column:manifest_id;index" json:"manifest_id,omitempty"`

	Manifest *Manifest `gorm:"foreignKey:ManifestID" json:"-"`
}

// TableName implements the gorm naming override.
func (*Metadata) TableName() string { return TableNameMetadata }

// StepMetadata is one row per step execution inside a workflow run.
// Rows are finalized once after the step ends and never mutated again.
type StepMetadata struct {
	ID                 int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID         string          `gorm:"column:external_id;size:32;uniqueIndex" json:"external_id"`
	WorkflowExternalID string          `gorm:"column:workflow_external_id;size:32;index" json:"workflow_external_id"`
	Name               string          `gorm:"column:name;size:255" json:"name"`
	StartTimeUTC       *time.Time      `gorm:"column:start_time_utc" json:"start_time_utc,omitempty"`
	EndTimeUTC         *time.Time      `gorm:"column:end_time_utc" json:"end_time_utc,omitempty"`
	InputType          string          `gorm:"column:input_type;size:255" json:"input_type"`
	OutputType         string          `gorm:"column:output_type;size:255" json:"output_type"`
	State              string          `gorm:"column:state;size:16" json:"state"`
	HasRan             bool            `gorm:"column:has_ran" json:"has_ran"`
	OutputJSON         json.RawMessage `gorm:"column:output_json;type:jsonb" json:"output_json,omitempty"`
}

// TableName implements the gorm naming override.
func (*StepMetadata) TableName() string { return TableNameStepMetadata }

// Log is a structured log line linked to a workflow execution.
type Log struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MetadataID int64           `gorm:"column:metadata_id;index" json:"metadata_id"`
	Level      string          `gorm:"column:level;size:16" json:"level"`
	Message    string          `gorm:"column:message;type:text" json:"message"`
	Attributes json.RawMessage `gorm:"column:attributes;type:jsonb" json:"attributes,omitempty"`
	LoggedAt   time.Time       `gorm:"column:logged_at" json:"logged_at"`
}

// TableName implements the gorm naming override.
func (*Log) TableName() string { return TableNameLog }

// Manifest is a declarative scheduled workflow definition.
type Manifest struct {
	ID                  int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID          string          `gorm:"column:external_id;size:255;uniqueIndex" json:"external_id"`
	Name                string          `gorm:"column:name;size:255" json:"name"`
	FullName            string          `gorm:"column:full_name;size:512" json:"full_name"`
	PropertyType        string          `gorm:"column:property_type;size:512" json:"property_type"`
	Properties          json.RawMessage `gorm:"column:properties;type:jsonb" json:"properties,omitempty"`
	ScheduleType        ScheduleType    `gorm:"column:schedule_type;size:16;index" json:"schedule_type"`
	CronExpression      *string         `gorm:"column:cron_expression;size:255" json:"cron_expression,omitempty"`
	IntervalSeconds     *int64          `gorm:"column:interval_seconds" json:"interval_seconds,omitempty"`
	MaxRetries          int             `gorm:"column:max_retries" json:"max_retries"`
	IsEnabled           bool            `gorm:"column:is_enabled;index" json:"is_enabled"`
	LastSuccessfulRun   *time.Time      `gorm:"column:last_successful_run" json:"last_successful_run,omitempty"`
	DependsOnManifestID *int64          `gorm:"column:depends_on_manifest_id;index" json:"depends_on_manifest_id,omitempty"`
	ManifestGroupID     int64           `gorm:"column:manifest_group_id;index" json:"manifest_group_id"`
	CreatedAt           time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at" json:"updated_at"`

	Group       *ManifestGroup `gorm:"foreignKey:ManifestGroupID" json:"-"`
	DependsOn   *Manifest      `gorm:"foreignKey:DependsOnManifestID" json:"-"`
	DeadLetters []DeadLetter   `gorm:"foreignKey:ManifestID" json:"-"`
}

// TableName implements the gorm naming override.
func (*Manifest) TableName() string { return TableNameManifest }

// Interval returns the interval cadence as a duration, or zero when
// the manifest is not interval scheduled.
func (m *Manifest) Interval() time.Duration {
	if m.IntervalSeconds == nil {
		return 0
	}
	return time.Duration(*m.IntervalSeconds) * time.Second
}

// ManifestGroup is the shared dispatch envelope of its manifests. A
// nil MaxActiveJobs means the group imposes no concurrency limit.
type ManifestGroup struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"column:name;size:255;uniqueIndex" json:"name"`
	MaxActiveJobs *int      `gorm:"column:max_active_jobs" json:"max_active_jobs,omitempty"`
	Priority      int       `gorm:"column:priority" json:"priority"`
	IsEnabled     bool      `gorm:"column:is_enabled" json:"is_enabled"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements the gorm naming override.
func (*ManifestGroup) TableName() string { return TableNameManifestGroup }

// DefaultGroupName is the group manifests join when none is named.
const DefaultGroupName = "default"

// WorkQueue is a persisted intent to run, decoupling scheduling from
// dispatch.
type WorkQueue struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID    string          `gorm:"column:external_id;size:32;uniqueIndex" json:"external_id"`
	WorkflowName  string          `gorm:"column:workflow_name;size:255" json:"workflow_name"`
	Input         json.RawMessage `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	InputTypeName string          `gorm:"column:input_type_name;size:512" json:"input_type_name"`
	Status        WorkQueueStatus `gorm:"column:status;size:16;index" json:"status"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
	DispatchedAt  *time.Time      `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
	Priority      int             `gorm:"column:priority" json:"priority"`
	ManifestID    *int64          `gorm:"column:manifest_id;index" json:"manifest_id,omitempty"`
	MetadataID    *int64          `gorm:"column:metadata_id;index" json:"metadata_id,omitempty"`

	Manifest *Manifest `gorm:"foreignKey:ManifestID" json:"-"`
}

// TableName implements the gorm naming override.
func (*WorkQueue) TableName() string { return TableNameWorkQueue }

// DeadLetter records a manifest that exhausted its retries and now
// requires operator action.
type DeadLetter struct {
	ID                     int64            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ManifestID             int64            `gorm:"column:manifest_id;index" json:"manifest_id"`
	DeadLetteredAt         time.Time        `gorm:"column:dead_lettered_at" json:"dead_lettered_at"`
	Reason                 string           `gorm:"column:reason;type:text" json:"reason"`
	RetryCountAtDeadLetter int              `gorm:"column:retry_count_at_dead_letter" json:"retry_count_at_dead_letter"`
	Status                 DeadLetterStatus `gorm:"column:status;size:32;index" json:"status"`
	ResolvedAt             *time.Time       `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote         *string          `gorm:"column:resolution_note;type:text" json:"resolution_note,omitempty"`
	RetryMetadataID        *int64           `gorm:"column:retry_metadata_id" json:"retry_metadata_id,omitempty"`

	Manifest *Manifest `gorm:"foreignKey:ManifestID" json:"-"`
}

// TableName implements the gorm naming override.
func (*DeadLetter) TableName() string { return TableNameDeadLetter }

// BackgroundJob is a claimable row leased to task server workers. A
// row is claimable while FetchedAt is null or older than the server's
// visibility timeout.
type BackgroundJob struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID string          `gorm:"column:external_id;size:32;uniqueIndex" json:"external_id"`
	MetadataID int64           `gorm:"column:metadata_id;index" json:"metadata_id"`
	Input      json.RawMessage `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	InputType  string          `gorm:"column:input_type;size:512" json:"input_type"`
	CreatedAt  time.Time       `gorm:"column:created_at" json:"created_at"`
	FetchedAt  *time.Time      `gorm:"column:fetched_at;index" json:"fetched_at,omitempty"`
}

// TableName implements the gorm naming override.
func (*BackgroundJob) TableName() string { return TableNameBackgroundJob }
