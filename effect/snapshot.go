package effect

import (
	"bytes"
	"context"
	"fmt"
)

// JSONSnapshot returns the provider that serializes every tracked
// model on save and logs the ones whose serialized form changed since
// the previous save. Models are compared by identity, so tracked
// values should be pointers.
func JSONSnapshot() ProviderFactory {
	return func(scope *RunScope) (Provider, error) {
		return &jsonSnapshotProvider{scope: scope, last: make(map[any][]byte)}, nil
	}
}

type jsonSnapshotProvider struct {
	scope  *RunScope
	models []any
	last   map[any][]byte
}

func (p *jsonSnapshotProvider) Track(model any) {
	if model == nil {
		return
	}
	if _, ok := p.last[model]; ok {
		return
	}
	p.models = append(p.models, model)
	p.last[model] = nil
}

func (p *jsonSnapshotProvider) SaveChanges(ctx context.Context) error {
	for _, model := range p.models {
		raw, err := p.scope.JSON.Marshal(model)
		if err != nil {
			return fmt.Errorf("snapshot %T: %w", model, err)
		}
		if bytes.Equal(raw, p.last[model]) {
			continue
		}
		p.last[model] = raw
		if p.scope.Logger != nil {
			p.scope.Logger.DebugContext(ctx, "tracked model changed",
				"model", fmt.Sprintf("%T", model),
				"snapshot", string(raw))
		}
	}
	return nil
}

func (p *jsonSnapshotProvider) Dispose() error {
	p.models = nil
	p.last = nil
	return nil
}
