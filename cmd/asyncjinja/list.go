package main

import (
	"github.com/spf13/cobra"

	"github.com/deicod/asyncjinja/runtime"
)

func newListCmd(a *app) *cobra.Command {
	var extensions []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the templates the loader can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, a.logger)

			names, err := rt.Env.ListTemplates(ctx, runtime.ListOptions{Extensions: extensions})
			if err != nil {
				return err
			}
			return writeLines(cmd.OutOrStdout(), names)
		},
	}
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "only list templates with these extensions")
	return cmd
}
