package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const builtinPrefix = "builtin:"

// Factory constructs a fresh instance of a compiled-in plugin.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a compiled-in plugin available under name. Manifests
// select it with backendEntry "builtin:<name>". It panics on a duplicate
// name or nil factory, mirroring database/sql.Register.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("plugin: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("plugin: Register called twice for " + name)
	}
	factories[name] = factory
}

// Builtins returns the registered factory names, sorted.
func Builtins() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(entry string) (Factory, bool) {
	name := strings.TrimPrefix(entry, builtinPrefix)
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// unregister is used by tests to keep the global table clean.
func unregister(name string) {
	factoriesMu.Lock()
	delete(factories, name)
	factoriesMu.Unlock()
}

// instantiateBuiltin runs the factory, converting a panic or nil return into an error.
func instantiateBuiltin(entry string) (p Plugin, err error) {
	factory, ok := lookupFactory(entry)
	if !ok {
		return nil, fmt.Errorf("no builtin plugin registered as %q", strings.TrimPrefix(entry, builtinPrefix))
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("plugin constructor panicked: %v", r)
		}
	}()

	p = factory()
	if p == nil {
		return nil, fmt.Errorf("plugin constructor for %q returned nil", entry)
	}
	return p, nil
}
