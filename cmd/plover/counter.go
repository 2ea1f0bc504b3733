package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jrife/plover/utils/async"
	"github.com/spf13/cobra"
)

func newCounterCommand(options *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Read and update atomic counters",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <name>",
			Short: "Read a counter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCounter(cmd, options, args[0], 0, false)
			},
		},
		&cobra.Command{
			Use:   "add <name> <delta>",
			Short: "Add delta to a counter and print the result",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				delta, err := strconv.ParseInt(args[1], 10, 64)

				if err != nil {
					return fmt.Errorf("invalid delta %q: %w", args[1], err)
				}

				return runCounter(cmd, options, args[0], delta, true)
			},
		},
	)

	return cmd
}

func runCounter(cmd *cobra.Command, options *rootOptions, name string, delta int64, add bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), options.timeout)
	defer cancel()

	client, err := options.client()

	if err != nil {
		return err
	}

	counter, err := client.counter(ctx, name)

	if err != nil {
		return err
	}

	defer counter.Close(ctx)

	var result *async.Result[int64]

	if add {
		result = counter.AddAndGet(ctx, delta)
	} else {
		result = counter.Get(ctx)
	}

	count, err := result.Await(ctx)

	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), count)

	return nil
}
