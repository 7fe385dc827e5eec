package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"regioncron/internal/region"
)

func newRegionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Inspect and manage the region registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List resolved regions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				regions, err := a.openRegions(cmd.Context())
				if err != nil {
					return err
				}
				defer regions.Close()
				for _, reg := range regions.All() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", reg.Key, reg.Store.Dialect())
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add KEY DSN",
			Short: "Record a region in the default store for discovery",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if args[0] == region.DefaultKey {
					return fmt.Errorf("region key %q is reserved", region.DefaultKey)
				}
				regions, err := a.openRegions(cmd.Context())
				if err != nil {
					return err
				}
				defer regions.Close()
				return regions.Default().Store.RegisterRegion(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "assign PROJECT REGION",
			Short: "Place a project in a region",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				regions, err := a.openRegions(cmd.Context())
				if err != nil {
					return err
				}
				defer regions.Close()
				if _, err := regions.Get(args[1]); err != nil {
					return err
				}
				return regions.Default().Store.AssignProject(cmd.Context(), args[0], args[1])
			},
		},
	)
	return cmd
}
