package main

import (
	"context"
	"fmt"

	"github.com/jrife/plover/config"
	"github.com/jrife/plover/primitive"
	"github.com/jrife/plover/protocol/protocols"
	grpc_client "github.com/jrife/plover/transport/clients/grpc"
)

// client builds primitives against the cluster described by the config
type client struct {
	config  *config.Config
	builder *primitive.Builder
}

func (options *rootOptions) client() (*client, error) {
	cfg, err := options.loadConfig()

	if err != nil {
		return nil, err
	}

	builder := primitive.NewBuilder(protocols.NewRegistry(), cfg.PartitionService(), grpc_client.NewDialer(),
		primitive.WithBuilderLogger(options.logger),
	)

	return &client{config: cfg, builder: builder}, nil
}

func (client *client) primitiveConfig(name string) (config.PrimitiveConfig, error) {
	primitiveConfig := client.config.PrimitiveOrDefault(name)

	if primitiveConfig.Protocol == "" {
		return config.PrimitiveConfig{}, fmt.Errorf("no protocol configured for primitive %s", name)
	}

	return primitiveConfig, nil
}

func (client *client) value(ctx context.Context, name string) (*primitive.AtomicValue[string], error) {
	primitiveConfig, err := client.primitiveConfig(name)

	if err != nil {
		return nil, err
	}

	value, err := primitive.BuildAtomicValue[string](client.builder, name, primitiveConfig, primitive.StringCodec{})

	if err != nil {
		return nil, err
	}

	if err := value.Connect(ctx); err != nil {
		return nil, err
	}

	return value, nil
}

func (client *client) counter(ctx context.Context, name string) (*primitive.AtomicCounter, error) {
	primitiveConfig, err := client.primitiveConfig(name)

	if err != nil {
		return nil, err
	}

	counter, err := client.builder.AtomicCounter(name, primitiveConfig)

	if err != nil {
		return nil, err
	}

	if err := counter.Connect(ctx); err != nil {
		return nil, err
	}

	return counter, nil
}
