package effect

import "context"

// DataContext returns the provider that persists tracked models
// through the scope's data context. The workflow harness attaches the
// data context to the scope before providers are constructed.
func DataContext() ProviderFactory {
	return func(scope *RunScope) (Provider, error) {
		return &dataContextProvider{scope: scope}, nil
	}
}

type dataContextProvider struct {
	scope *RunScope
}

func (p *dataContextProvider) Track(model any) {
	if p.scope.Data == nil {
		return
	}
	p.scope.Data.Track(model)
}

func (p *dataContextProvider) SaveChanges(ctx context.Context) error {
	if p.scope.Data == nil {
		return nil
	}
	return p.scope.Data.SaveChanges(ctx)
}

func (p *dataContextProvider) Dispose() error {
	if p.scope.Data == nil {
		return nil
	}
	p.scope.Data.Reset()
	return nil
}
