package effect

import "context"

// Parameters returns the provider that serializes the workflow's input
// and output onto the metadata row. Serialization happens on save, so
// the input is captured at run start and the output once the harness
// sets it at run end; failed runs keep an empty output.
func Parameters() ProviderFactory {
	return func(scope *RunScope) (Provider, error) {
		return &parameterProvider{scope: scope}, nil
	}
}

type parameterProvider struct {
	scope *RunScope
}

func (p *parameterProvider) Track(any) {}

func (p *parameterProvider) SaveChanges(context.Context) error {
	md := p.scope.Metadata
	if md == nil {
		return nil
	}
	if p.scope.Input != nil {
		raw, err := p.scope.JSON.Marshal(p.scope.Input)
		if err != nil {
			return err
		}
		md.Input = raw
	}
	if p.scope.Output != nil {
		raw, err := p.scope.JSON.Marshal(p.scope.Output)
		if err != nil {
			return err
		}
		md.Output = raw
	}
	return nil
}

func (p *parameterProvider) Dispose() error { return nil }
