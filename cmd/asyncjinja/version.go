package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deicod/asyncjinja"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of asyncjinja",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "asyncjinja version %s\n", asyncjinja.Version)
			return err
		},
	}
}
