package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrife/plover/transport/frontends"
	grpc_frontend "github.com/jrife/plover/transport/frontends/grpc"
	"github.com/jrife/plover/transport/service_host"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	*rootOptions
	member  string
	address string
}

func newServeCommand(rootOptions *rootOptions) *cobra.Command {
	options := &serveOptions{rootOptions: rootOptions}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the partitions assigned to a member",
		Long: `Host the partitions assigned to a member over gRPC.

The member defaults to server.member from the config. Every partition
listing the member is served on server.address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, options, nil)
		},
	}

	cmd.Flags().StringVar(&options.member, "member", "", "member id to serve as")
	cmd.Flags().StringVar(&options.address, "address", "", "address to listen on")

	return cmd
}

// serve runs until ctx is done. ready, if set, receives the address
// being listened on.
func serve(ctx context.Context, options *serveOptions, ready chan<- net.Addr) error {
	cfg, err := options.loadConfig()

	if err != nil {
		return err
	}

	member := cfg.Server.Member

	if options.member != "" {
		member = options.member
	}

	address := cfg.Server.Address

	if options.address != "" {
		address = options.address
	}

	logger := options.logger.With(zap.String("member", member))
	host := service_host.New(
		service_host.WithLogger(logger),
		service_host.WithDataDir(cfg.Server.DataDir),
		service_host.WithClockInterval(cfg.Server.ClockInterval),
		service_host.WithTickInterval(cfg.Server.TickInterval),
		service_host.WithBackups(cfg.Server.Backups),
		service_host.WithReplicationDelay(cfg.Server.ReplicationDelay),
	)
	defer host.Close()

	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return fmt.Errorf("could not create data directory: %w", err)
	}

	hosted := cfg.HostedPartitions(member)

	if len(hosted) == 0 {
		return fmt.Errorf("member %q hosts no partitions", member)
	}

	for _, partition := range hosted {
		if err := host.StartPartition(partition.Group, partition.Protocol, partition.Partition); err != nil {
			return fmt.Errorf("could not start partition %d: %w", partition.Partition, err)
		}
	}

	listener, err := net.Listen("tcp", address)

	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", address, err)
	}

	defer listener.Close()

	frontend := &grpc_frontend.Frontend{}

	if err := frontend.Init(frontends.Options{Handler: host, Logger: logger}); err != nil {
		return err
	}

	errs := make(chan error, 1)

	go func() {
		errs <- frontend.Listen(listener)
	}()

	if ready != nil {
		ready <- listener.Addr()
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	if err := frontend.Stop(); err != nil {
		return err
	}

	return <-errs
}
