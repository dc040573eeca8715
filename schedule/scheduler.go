package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// Scheduler turns definitions into persisted manifests. Applying an
// existing external id updates the manifest in place, preserving its
// run history and last successful run.
type Scheduler struct {
	manifests storage.ManifestStore
	registry  *bus.Registry
	json      effect.JSONOptions
	logger    *slog.Logger
	clock     func() time.Time
}

// NewScheduler creates a scheduler over the manifest store. The
// registry resolves workflow identity from each definition's input
// type. A nil logger or clock falls back to defaults.
func NewScheduler(manifests storage.ManifestStore, registry *bus.Registry, json effect.JSONOptions, logger *slog.Logger, clock func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		manifests: manifests,
		registry:  registry,
		json:      json,
		logger:    logger,
		clock:     clock,
	}
}

// Apply upserts the definition and its dependent children.
func (s *Scheduler) Apply(ctx context.Context, def *Definition) (*storage.Manifest, error) {
	return s.apply(ctx, def, nil)
}

// ApplyMany upserts every definition in order.
func (s *Scheduler) ApplyMany(ctx context.Context, defs []*Definition) ([]*storage.Manifest, error) {
	manifests := make([]*storage.Manifest, 0, len(defs))
	for _, def := range defs {
		m, err := s.apply(ctx, def, nil)
		if err != nil {
			return manifests, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (s *Scheduler) apply(ctx context.Context, def *Definition, parent *storage.Manifest) (*storage.Manifest, error) {
	if err := validateDefinition(def, parent); err != nil {
		return nil, err
	}

	inputType := workflow.TypeNameOf(def.Input)
	binding, ok := s.registry.Binding(inputType)
	if !ok {
		return nil, &workflow.Error{Message: fmt.Sprintf("manifest %s: no workflow registered for input type %s", def.ExternalID, inputType)}
	}

	properties, err := s.json.Marshal(def.Input)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: serialize input: %w", def.ExternalID, err)
	}

	groupName := def.Group.Name
	if groupName == "" {
		groupName = storage.DefaultGroupName
	}
	group, err := s.manifests.GetOrCreateGroup(ctx, groupName, def.Group.MaxActiveJobs, storage.ClampPriority(def.Group.Priority))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: materialize group %s: %w", def.ExternalID, groupName, err)
	}

	dependsOnID, err := s.resolveParent(ctx, def, parent)
	if err != nil {
		return nil, err
	}

	m, err := s.upsert(ctx, def, binding, group, properties, dependsOnID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("manifest applied",
		"external_id", m.ExternalID,
		"workflow", m.Name,
		"schedule", m.ScheduleType,
		"group", groupName)

	for _, child := range def.Children {
		if _, err := s.apply(ctx, child, m); err != nil {
			return m, fmt.Errorf("apply dependent of %s: %w", def.ExternalID, err)
		}
	}
	return m, nil
}

func (s *Scheduler) resolveParent(ctx context.Context, def *Definition, parent *storage.Manifest) (*int64, error) {
	if def.ScheduleType != storage.ScheduleTypeDependent {
		return nil, nil
	}
	if parent == nil {
		found, err := s.manifests.GetByExternalID(ctx, def.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: resolve parent %s: %w", def.ExternalID, def.DependsOn, err)
		}
		parent = found
	}
	if err := s.ensureAcyclic(ctx, def.ExternalID, parent); err != nil {
		return nil, err
	}
	return &parent.ID, nil
}

// ensureAcyclic walks the parent chain and refuses a dependency that
// would point back at the definition being applied.
func (s *Scheduler) ensureAcyclic(ctx context.Context, externalID string, parent *storage.Manifest) error {
	visited := map[int64]bool{}
	for current := parent; current != nil; {
		if current.ExternalID == externalID {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: dependency cycle through %s", externalID, parent.ExternalID)}
		}
		if visited[current.ID] {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: dependency cycle through %s", externalID, current.ExternalID)}
		}
		visited[current.ID] = true
		if current.DependsOnManifestID == nil {
			return nil
		}
		next, err := s.manifests.GetByID(ctx, *current.DependsOnManifestID)
		if err != nil {
			return fmt.Errorf("manifest %s: walk dependency chain: %w", externalID, err)
		}
		current = next
	}
	return nil
}

func (s *Scheduler) upsert(ctx context.Context, def *Definition, binding bus.Binding, group *storage.ManifestGroup, properties []byte, dependsOnID *int64) (*storage.Manifest, error) {
	now := s.clock()

	var cronExpr *string
	if def.ScheduleType == storage.ScheduleTypeCron {
		expr := def.CronExpression
		cronExpr = &expr
	}
	var intervalSeconds *int64
	if def.ScheduleType == storage.ScheduleTypeInterval {
		seconds := int64(def.Interval / time.Second)
		intervalSeconds = &seconds
	}

	existing, err := s.manifests.GetByExternalID(ctx, def.ExternalID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m := &storage.Manifest{
			ExternalID:          def.ExternalID,
			Name:                binding.WorkflowName,
			FullName:            binding.WorkflowType,
			PropertyType:        binding.InputType,
			Properties:          properties,
			ScheduleType:        def.ScheduleType,
			CronExpression:      cronExpr,
			IntervalSeconds:     intervalSeconds,
			MaxRetries:          def.MaxRetries,
			IsEnabled:           def.Enabled,
			DependsOnManifestID: dependsOnID,
			ManifestGroupID:     group.ID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.manifests.Create(ctx, m); err != nil {
			return nil, fmt.Errorf("manifest %s: create: %w", def.ExternalID, err)
		}
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("manifest %s: load: %w", def.ExternalID, err)
	}

	existing.Name = binding.WorkflowName
	existing.FullName = binding.WorkflowType
	existing.PropertyType = binding.InputType
	existing.Properties = properties
	existing.ScheduleType = def.ScheduleType
	existing.CronExpression = cronExpr
	existing.IntervalSeconds = intervalSeconds
	existing.MaxRetries = def.MaxRetries
	existing.IsEnabled = def.Enabled
	existing.DependsOnManifestID = dependsOnID
	existing.ManifestGroupID = group.ID
	existing.UpdatedAt = now
	if err := s.manifests.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("manifest %s: update: %w", def.ExternalID, err)
	}
	return existing, nil
}

func validateDefinition(def *Definition, parent *storage.Manifest) error {
	if def.ExternalID == "" {
		return &workflow.Error{Message: "manifest definition needs an external id"}
	}
	if def.Input == nil {
		return &workflow.Error{Message: fmt.Sprintf("manifest %s: definition needs an input value", def.ExternalID)}
	}
	switch def.ScheduleType {
	case storage.ScheduleTypeCron:
		if _, err := cron.ParseStandard(def.CronExpression); err != nil {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: invalid cron %q: %v", def.ExternalID, def.CronExpression, err)}
		}
	case storage.ScheduleTypeInterval:
		if def.Interval <= 0 {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: interval must be positive", def.ExternalID)}
		}
	case storage.ScheduleTypeDependent:
		if def.DependsOn == "" && parent == nil {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: dependent schedule needs a parent", def.ExternalID)}
		}
		if def.DependsOn == def.ExternalID {
			return &workflow.Error{Message: fmt.Sprintf("manifest %s: cannot depend on itself", def.ExternalID)}
		}
	}
	if def.MaxRetries < 0 {
		return &workflow.Error{Message: fmt.Sprintf("manifest %s: max retries cannot be negative", def.ExternalID)}
	}
	return nil
}
