// Package schedule declares and maintains workflow manifests: the
// fluent definition builder, the scheduler that upserts manifests and
// materializes their groups, the dueness predicates driving the
// manager loop, and the dead-letter lifecycle service.
package schedule

import (
	"time"

	"github.com/c360studio/stepflow/storage"
)

// GroupSpec names the dispatch group a manifest joins. A zero value
// joins the default group with no concurrency limit.
type GroupSpec struct {
	Name          string
	MaxActiveJobs *int
	Priority      int
}

// Definition declares one scheduled workflow. Build one with New and
// hand it to a Scheduler.
type Definition struct {
	ExternalID     string
	Input          any
	ScheduleType   storage.ScheduleType
	CronExpression string
	Interval       time.Duration
	MaxRetries     int
	Enabled        bool
	Group          GroupSpec
	// DependsOn names the parent manifest of a dependent definition.
	DependsOn string
	// Children are dependent definitions applied after this one.
	Children []*Definition
}

// Builder assembles a Definition.
type Builder struct {
	def Definition
}

// New starts a definition for the given external id and input value.
// Definitions default to on-demand with three retries, enabled, in the
// default group.
func New(externalID string, input any) *Builder {
	return &Builder{def: Definition{
		ExternalID:   externalID,
		Input:        input,
		ScheduleType: storage.ScheduleTypeOnDemand,
		MaxRetries:   3,
		Enabled:      true,
	}}
}

// Cron schedules the manifest on a five-field cron expression.
func (b *Builder) Cron(expression string) *Builder {
	b.def.ScheduleType = storage.ScheduleTypeCron
	b.def.CronExpression = expression
	return b
}

// Every schedules the manifest on a fixed interval.
func (b *Builder) Every(interval time.Duration) *Builder {
	b.def.ScheduleType = storage.ScheduleTypeInterval
	b.def.Interval = interval
	return b
}

// OnDemand leaves the manifest to explicit triggering only.
func (b *Builder) OnDemand() *Builder {
	b.def.ScheduleType = storage.ScheduleTypeOnDemand
	return b
}

// MaxRetries sets how many failed runs the manifest tolerates before
// dead-lettering.
func (b *Builder) MaxRetries(n int) *Builder {
	b.def.MaxRetries = n
	return b
}

// InGroup names the manifest's dispatch group.
func (b *Builder) InGroup(name string) *Builder {
	b.def.Group.Name = name
	return b
}

// GroupMaxActive caps the group's concurrently active jobs.
func (b *Builder) GroupMaxActive(n int) *Builder {
	b.def.Group.MaxActiveJobs = &n
	return b
}

// Priority sets the group priority, clamped to the valid range on
// apply.
func (b *Builder) Priority(p int) *Builder {
	b.def.Group.Priority = p
	return b
}

// Disabled creates the manifest switched off.
func (b *Builder) Disabled() *Builder {
	b.def.Enabled = false
	return b
}

// ThenInclude attaches child as a dependent definition: it is applied
// after this manifest and runs each time this manifest completes a
// successful run.
func (b *Builder) ThenInclude(child *Builder) *Builder {
	c := child.Definition()
	c.ScheduleType = storage.ScheduleTypeDependent
	c.DependsOn = b.def.ExternalID
	b.def.Children = append(b.def.Children, c)
	return b
}

// Definition returns the assembled definition.
func (b *Builder) Definition() *Definition {
	def := b.def
	return &def
}
