package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jrife/plover/primitive"
	"github.com/spf13/cobra"
)

func newValueCommand(options *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "value",
		Short: "Read and write atomic values",
	}

	var ttl time.Duration

	set := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Replace a value",
		Args:  cobra.ExactArgs(2),
		RunE: withValue(options, func(ctx context.Context, out io.Writer, value *primitive.AtomicValue[string], args []string) error {
			written, err := value.SetWithTTL(ctx, args[1], ttl).Await(ctx)

			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s (index %d)\n", written.Value, written.Index)

			return nil
		}),
	}

	set.Flags().DurationVar(&ttl, "ttl", 0, "remove the value after this long or when the session ends")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <name>",
			Short: "Read a value",
			Args:  cobra.ExactArgs(1),
			RunE: withValue(options, func(ctx context.Context, out io.Writer, value *primitive.AtomicValue[string], args []string) error {
				current, err := value.Get(ctx).Await(ctx)

				if err != nil {
					return err
				}

				if !current.Present {
					fmt.Fprintf(out, "<absent> (index %d)\n", current.Index)

					return nil
				}

				fmt.Fprintf(out, "%s (index %d)\n", current.Value, current.Index)

				return nil
			}),
		},
		set,
		&cobra.Command{
			Use:   "cas <name> <expect> <update>",
			Short: "Replace a value if it equals expect",
			Args:  cobra.ExactArgs(3),
			RunE: withValue(options, func(ctx context.Context, out io.Writer, value *primitive.AtomicValue[string], args []string) error {
				succeeded, err := value.CompareAndSet(ctx, args[1], args[2]).Await(ctx)

				if err != nil {
					return err
				}

				fmt.Fprintln(out, succeeded)

				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a value",
			Args:  cobra.ExactArgs(1),
			RunE: withValue(options, func(ctx context.Context, out io.Writer, value *primitive.AtomicValue[string], args []string) error {
				return value.Delete(ctx)
			}),
		},
	)

	return cmd
}

type valueFunc func(ctx context.Context, out io.Writer, value *primitive.AtomicValue[string], args []string) error

// withValue connects to the value named by the first argument, runs fn
// and closes the value
func withValue(options *rootOptions, fn valueFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), options.timeout)
		defer cancel()

		client, err := options.client()

		if err != nil {
			return err
		}

		value, err := client.value(ctx, args[0])

		if err != nil {
			return err
		}

		defer value.Close(ctx)

		return fn(ctx, cmd.OutOrStdout(), value, args)
	}
}
