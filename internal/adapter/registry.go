package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registry holds all registered adapters.
var (
	registryMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// Register adds an adapter to the global registry. Engine packages
// call this from init().
//
// Panics if the kind or an alias is already taken.
func Register(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := string(a.Kind())
	if _, exists := adapters[name]; exists {
		panic(fmt.Sprintf("adapter %q already registered", name))
	}
	adapters[name] = a

	for _, alias := range a.Aliases() {
		if _, exists := adapters[alias]; exists {
			panic(fmt.Sprintf("adapter alias %q already registered", alias))
		}
		adapters[alias] = a
	}
}

// Get retrieves an adapter by kind or alias (case-insensitive).
func Get(kindOrAlias string) (Adapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	a, exists := adapters[strings.ToLower(kindOrAlias)]
	if !exists {
		return nil, fmt.Errorf("unknown engine %q (available: %v)", kindOrAlias, available())
	}
	return a, nil
}

// Canonicalize maps a name or alias to the canonical engine kind.
// Unknown names pass through unchanged.
func Canonicalize(kindOrAlias string) Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	a, exists := adapters[strings.ToLower(kindOrAlias)]
	if !exists {
		return Kind(kindOrAlias)
	}
	return a.Kind()
}

// Available returns the sorted canonical engine kinds.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return available()
}

// available must be called with registryMu held.
func available() []string {
	seen := make(map[string]bool)
	for _, a := range adapters {
		seen[string(a.Kind())] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
