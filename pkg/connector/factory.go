package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/riskflow-io/riskflow/pkg/bus"
)

// Connector is one pollable source instance.
type Connector interface {
	Name() string

	// Poll runs one fetch-transform-publish pass and reports what happened.
	Poll(ctx context.Context) (PollSummary, error)
}

// Deps are the collaborators a factory wires into the connectors it builds.
type Deps struct {
	Publisher bus.EventPublisher
	State     StateStore
}

// Factory builds a Connector from its registry entry.
type Factory func(cfg Config, deps Deps) (Connector, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a connector type to the process-wide factory map. Later
// registrations for the same type win, which lets tests override built-ins.
func Register(typeName string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = f
}

// List returns the registered type names, sorted.
func List() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear empties the factory map. For tests.
func Clear() {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories = map[string]Factory{}
}

// Create instantiates a connector from its registry entry.
func Create(cfg Config, deps Deps) (Connector, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q: unknown type %q (registered: %v)", cfg.Name, cfg.Type, List())
	}
	return f(cfg, deps)
}
