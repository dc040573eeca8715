package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/stepflow/storage"
)

// IsDue evaluates the manifest's cadence at now. It answers the
// cadence question only; gating on open work, open dead letters and
// the enabled flag is the manager's job.
//
// Cron schedules fire when the next occurrence after the last
// successful run (or creation, for a never-run manifest) has passed.
// Interval schedules fire when at least the interval has elapsed
// since the last successful run, and immediately when there is none.
// Dependent schedules fire when the parent has succeeded more
// recently than the manifest itself.
func IsDue(m *storage.Manifest, snapshot *storage.SchedulingSnapshot, now time.Time) (bool, error) {
	switch m.ScheduleType {
	case storage.ScheduleTypeCron:
		if m.CronExpression == nil || *m.CronExpression == "" {
			return false, fmt.Errorf("manifest %s: cron schedule without expression", m.ExternalID)
		}
		sched, err := cron.ParseStandard(*m.CronExpression)
		if err != nil {
			return false, fmt.Errorf("manifest %s: parse cron %q: %w", m.ExternalID, *m.CronExpression, err)
		}
		base := m.CreatedAt
		if m.LastSuccessfulRun != nil {
			base = *m.LastSuccessfulRun
		}
		return !sched.Next(base).After(now), nil

	case storage.ScheduleTypeInterval:
		interval := m.Interval()
		if interval <= 0 {
			return false, fmt.Errorf("manifest %s: interval schedule without interval", m.ExternalID)
		}
		if m.LastSuccessfulRun == nil {
			return true, nil
		}
		return now.Sub(*m.LastSuccessfulRun) >= interval, nil

	case storage.ScheduleTypeDependent:
		if m.DependsOnManifestID == nil {
			return false, fmt.Errorf("manifest %s: dependent schedule without parent", m.ExternalID)
		}
		parent := snapshot.ManifestByID(*m.DependsOnManifestID)
		if parent == nil {
			return false, fmt.Errorf("manifest %s: parent manifest %d not in snapshot", m.ExternalID, *m.DependsOnManifestID)
		}
		if parent.LastSuccessfulRun == nil {
			return false, nil
		}
		if m.LastSuccessfulRun == nil {
			return true, nil
		}
		return parent.LastSuccessfulRun.After(*m.LastSuccessfulRun), nil

	default:
		// OnDemand and unknown types never fire on their own.
		return false, nil
	}
}

// ShouldReap reports whether the windowed failure count has exhausted
// the manifest's retries. The count must already be windowed to runs
// newer than the last success and the last dead letter.
//
// The comparison is strict: MaxRetries counts the retries granted
// after the first failure, so a manifest with MaxRetries=2 runs three
// times and is reaped when the count reaches 3.
func ShouldReap(m *storage.Manifest, failures int) bool {
	return failures > m.MaxRetries
}

// NewDeadLetter builds the AwaitingIntervention record for a manifest
// whose failures exceeded its retries.
func NewDeadLetter(m *storage.Manifest, failures int, now time.Time) *storage.DeadLetter {
	return &storage.DeadLetter{
		ManifestID:             m.ID,
		DeadLetteredAt:         now,
		Reason:                 fmt.Sprintf("Max retries exceeded: %d > %d", failures, m.MaxRetries),
		RetryCountAtDeadLetter: failures,
		Status:                 storage.DeadLetterStatusAwaitingIntervention,
	}
}
