package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheDevXen/airgram/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the airgram-state version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current()); err != nil {
				return err
			}
			if verbose {
				if commit := version.Commit(); commit != "" {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "commit %s\n", commit)
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print the VCS revision when known")
	return cmd
}
