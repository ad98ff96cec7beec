package broker

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Factory builds a broker variant from its configuration.
type Factory func(cfg Config, logger *zap.Logger) (Broker, error)

var registry = make(map[string]Factory)

// Register makes a broker variant resolvable by name. Called from package
// init functions; duplicate names panic early rather than shadow silently.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("broker %q registered twice", name))
	}
	registry[name] = factory
}

// New resolves a registered broker variant by name.
func New(name string, cfg Config, logger *zap.Logger) (Broker, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown broker %q (registered: %v)", name, Names())
	}
	return factory(cfg.WithDefaults(), logger)
}

// Names lists the registered broker variants.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
