package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jrife/plover/transport"
	"go.uber.org/zap"
)

// Config is everything a backend constructor needs
type Config struct {
	Type Type
	// Group names the partition group to run on. Empty selects the
	// first group running the protocol.
	Group             string
	Dialer            transport.Dialer
	Consistency       ReadConsistency
	MaxStaleness      time.Duration
	ReadOffset        uint64
	Partitions        int
	ReplicationFactor int
	Logger            *zap.Logger
}

// Factory constructs a backend from its configuration
type Factory func(config Config) (Protocol, error)

// Registry maps protocol types to their constructors. A process
// builds one at start up and passes it to whatever creates primitives.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]Factory)}
}

// Register adds or replaces the constructor for protocolType
func (registry *Registry) Register(protocolType Type, factory Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.factories[protocolType] = factory
}

// Types lists the registered protocol types
func (registry *Registry) Types() []Type {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]Type, 0, len(registry.factories))

	for protocolType := range registry.factories {
		types = append(types, protocolType)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// New constructs the backend named by config.Type
func (registry *Registry) New(config Config) (Protocol, error) {
	registry.mu.RLock()
	factory, ok := registry.factories[config.Type]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", config.Type, ErrUnknownProtocol)
	}

	if config.Dialer == nil {
		return nil, fmt.Errorf("protocol %s requires a dialer", config.Type)
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return factory(config)
}
