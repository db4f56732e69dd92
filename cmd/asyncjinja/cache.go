package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deicod/asyncjinja/runtime"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the configured bytecode cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every artifact from the bytecode cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, a.logger)

			if rt.Cache == nil {
				return errors.New("no bytecode cache configured")
			}
			clearer, ok := rt.Cache.(runtime.Clearer)
			if !ok {
				return fmt.Errorf("bytecode cache %T cannot be cleared", rt.Cache)
			}
			if err := clearer.Clear(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "bytecode cache cleared")
			return err
		},
	})
	return cmd
}
