package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deicod/asyncjinja/runtime"
)

func newCompileCmd(a *app) *cobra.Command {
	var (
		zipMode      string
		extensions   []string
		ignoreErrors bool
	)
	cmd := &cobra.Command{
		Use:   "compile TARGET",
		Short: "Precompile every template into a directory or zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := runtime.ParseZipMode(zipMode)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, a.logger)

			out := cmd.ErrOrStderr()
			return rt.Env.CompileTemplates(ctx, args[0], runtime.CompileOptions{
				Extensions:   extensions,
				Zip:          mode,
				IgnoreErrors: ignoreErrors,
				Log:          func(msg string) { fmt.Fprintln(out, msg) },
			})
		},
	}
	cmd.Flags().StringVar(&zipMode, "zip", "", "write a zip archive: stored or deflated")
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "only compile templates with these extensions")
	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "skip templates that fail to compile")
	return cmd
}
