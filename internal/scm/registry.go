// registry.go holds the builder registry platform packages register into
// from init(). Importing a platform package for side effects makes its
// connector buildable.
package scm

import (
	"fmt"
	"sync"
)

// BuilderFunc constructs a connector from validated settings.
type BuilderFunc func(*Settings) (Connector, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[ProviderKind]BuilderFunc)
)

// Register adds a connector builder for a provider kind. Platform packages
// call this from init(); registering the same kind twice panics.
func Register(kind ProviderKind, builder BuilderFunc) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[kind]; dup {
		panic(fmt.Sprintf("scm: connector for %q registered twice", kind))
	}
	builders[kind] = builder
}

// Build validates the settings and constructs a connector for their kind.
func Build(settings *Settings) (Connector, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connector settings: %w", err)
	}

	buildersMu.RLock()
	builder, ok := builders[settings.Kind]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, settings.Kind)
	}
	return builder(settings)
}

// RegisteredKinds returns the kinds with a registered builder.
func RegisteredKinds() []ProviderKind {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	kinds := make([]ProviderKind, 0, len(builders))
	for k := range builders {
		kinds = append(kinds, k)
	}
	return kinds
}
