package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/browser"
	"github.com/lexbr/norm-harvester/internal/extract"
	"github.com/lexbr/norm-harvester/internal/fetch"
)

// ErrUnknownSource indicates a source name nothing registered under.
var ErrUnknownSource = errors.New("unknown source")

// Deps carries the shared infrastructure a factory may wire into its
// adapter. Fields an adapter does not need stay nil.
type Deps struct {
	Fetch   *fetch.Client
	Browser *browser.Pool
	Extract *extract.Extractor
	Log     *zap.Logger
}

// Factory builds an adapter from shared infrastructure.
type Factory func(deps Deps) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an adapter available under name. It panics on a
// duplicate name, which points at two init functions claiming the same
// source.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" {
		panic("source: Register with empty name")
	}
	if factory == nil {
		panic("source: Register with nil factory for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("source: Register called twice for " + name)
	}
	registry[name] = factory
}

// New resolves name and builds its adapter.
func New(name string, deps Deps) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownSource, name, strings.Join(Names(), ", "))
	}
	adapter, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("build source %q: %w", name, err)
	}
	return adapter, nil
}

// Names lists every registered source, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
