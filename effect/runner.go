// Package effect implements the pluggable observation fan-out around
// workflow runs. Workflow-scope providers receive tracked models and
// persist them on demand; step-scope providers hook before and after
// each step. Providers are constructed per run and released at run end
// on every path.
package effect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/stepflow/storage"
)

// JSONOptions is the serialization policy threaded through the
// parameter and step providers. One serializer is used everywhere.
type JSONOptions struct {
	Indent     bool `yaml:"indent" json:"indent"`
	EscapeHTML bool `yaml:"escape_html" json:"escape_html"`
}

// Marshal serializes v under the configured policy.
func (o JSONOptions) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(o.EscapeHTML)
	if o.Indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RunScope is the shared view of one workflow run handed to every
// provider at construction time. The harness fills Metadata, Input,
// and Output as the run progresses.
type RunScope struct {
	WorkflowName string
	ExternalID   string
	Logger       *slog.Logger
	JSON         JSONOptions
	Clock        func() time.Time

	// Metadata is the run's execution record; nil for runs configured
	// without one.
	Metadata *storage.Metadata
	// Data is the run's data context; nil when none is attached.
	Data storage.DataContext
	// Input is the activation input.
	Input any
	// Output is set by the harness once the run resolves.
	Output any
}

// Now returns the scope clock's current time, defaulting to UTC now.
func (s *RunScope) Now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock()
}

// Provider observes a workflow run. Track registers a model,
// SaveChanges persists or forwards everything tracked so far, and
// Dispose releases the provider at run end.
type Provider interface {
	Track(model any)
	SaveChanges(ctx context.Context) error
	Dispose() error
}

// ProviderFactory builds a provider bound to one run.
type ProviderFactory func(scope *RunScope) (Provider, error)

// Runner fans workflow-scope effects out to every active provider.
type Runner struct {
	scope     *RunScope
	providers []Provider
}

// NewRunner constructs every provider for the scope. A factory error
// aborts construction; providers built before the failure are disposed.
func NewRunner(scope *RunScope, factories []ProviderFactory) (*Runner, error) {
	r := &Runner{scope: scope}
	for _, factory := range factories {
		p, err := factory(scope)
		if err != nil {
			_ = r.Dispose()
			return nil, fmt.Errorf("construct effect provider: %w", err)
		}
		r.providers = append(r.providers, p)
	}
	return r, nil
}

// Track dispatches the model to every provider.
func (r *Runner) Track(model any) {
	for _, p := range r.providers {
		p.Track(model)
	}
}

// SaveChanges invokes every provider's SaveChanges in parallel and
// joins their failures.
func (r *Runner) SaveChanges(ctx context.Context) error {
	if len(r.providers) == 0 {
		return nil
	}

	errs := make([]error, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			if err := p.SaveChanges(ctx); err != nil {
				errs[i] = fmt.Errorf("save changes %T: %w", p, err)
			}
		}(i, p)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Dispose releases every provider. A failing disposal never prevents
// the remaining disposals; failures are logged and joined.
func (r *Runner) Dispose() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Dispose(); err != nil {
			err = fmt.Errorf("dispose %T: %w", p, err)
			if r.scope != nil && r.scope.Logger != nil {
				r.scope.Logger.Warn("effect provider dispose failed", "error", err)
			}
			errs = append(errs, err)
		}
	}
	r.providers = nil
	return errors.Join(errs...)
}
