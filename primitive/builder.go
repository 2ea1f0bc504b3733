package primitive

import (
	"fmt"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/config"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/transport"
	"go.uber.org/zap"
)

// Builder creates primitives from their configuration. The registry
// decides which protocol types can be built.
type Builder struct {
	registry         *protocol.Registry
	partitionService cluster.PartitionService
	dialer           transport.Dialer
	logger           *zap.Logger
	options          []Option
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger handed to backends and primitives
func WithBuilderLogger(logger *zap.Logger) BuilderOption {
	return func(builder *Builder) {
		builder.logger = logger
	}
}

// WithPrimitiveOptions adds options applied to every built primitive
// before its configuration
func WithPrimitiveOptions(options ...Option) BuilderOption {
	return func(builder *Builder) {
		builder.options = append(builder.options, options...)
	}
}

// NewBuilder creates a builder
func NewBuilder(registry *protocol.Registry, partitionService cluster.PartitionService, dialer transport.Dialer, options ...BuilderOption) *Builder {
	builder := &Builder{
		registry:         registry,
		partitionService: partitionService,
		dialer:           dialer,
		logger:           zap.NewNop(),
	}

	for _, option := range options {
		option(builder)
	}

	return builder
}

// backend constructs the protocol selected by primitiveConfig along
// with the session options it implies
func (builder *Builder) backend(name string, primitiveConfig config.PrimitiveConfig) (protocol.Protocol, []Option, error) {
	consistency, err := primitiveConfig.Consistency()

	if err != nil {
		return nil, nil, fmt.Errorf("primitive %s: %w: %w", name, ErrInvalidOperation, err)
	}

	backend, err := builder.registry.New(protocol.Config{
		Type:              protocol.Type(primitiveConfig.Protocol),
		Group:             primitiveConfig.Group,
		Dialer:            builder.dialer,
		Consistency:       consistency,
		MaxStaleness:      primitiveConfig.MaxStaleness,
		ReadOffset:        primitiveConfig.ReadOffset,
		Partitions:        primitiveConfig.Partitions,
		ReplicationFactor: primitiveConfig.ReplicationFactor,
		Logger:            builder.logger,
	})

	if err != nil {
		return nil, nil, fmt.Errorf("primitive %s: %w: %w", name, ErrPrimitiveUnavailable, err)
	}

	options := append([]Option{}, builder.options...)
	options = append(options,
		WithLogger(builder.logger),
		WithSessionTimeout(primitiveConfig.SessionTimeout),
		WithConsistency(consistency),
	)

	return backend, options, nil
}

// AtomicCounter builds a counter
func (builder *Builder) AtomicCounter(name string, primitiveConfig config.PrimitiveConfig) (*AtomicCounter, error) {
	backend, options, err := builder.backend(name, primitiveConfig)

	if err != nil {
		return nil, err
	}

	return NewAtomicCounter(name, backend, builder.partitionService, options...), nil
}

// Lock builds a lock
func (builder *Builder) Lock(name string, primitiveConfig config.PrimitiveConfig) (*Lock, error) {
	backend, options, err := builder.backend(name, primitiveConfig)

	if err != nil {
		return nil, err
	}

	return NewLock(name, backend, builder.partitionService, options...), nil
}

// BuildAtomicValue builds a value encoded with codec
func BuildAtomicValue[T any](builder *Builder, name string, primitiveConfig config.PrimitiveConfig, codec Codec[T]) (*AtomicValue[T], error) {
	backend, options, err := builder.backend(name, primitiveConfig)

	if err != nil {
		return nil, err
	}

	return NewAtomicValue(name, backend, builder.partitionService, codec, options...), nil
}
