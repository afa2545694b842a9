package main

import (
	"github.com/spf13/cobra"
)

func newUpdatesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "updates",
		Aliases: []string{"pending"},
		Short:   "Inspect and edit the pending update-sequence document",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print the updates document or one top-level key of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if len(args) == 1 {
				value, err := st.Updates().GetKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, value)
			}
			doc, err := st.Updates().Get(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, doc)
		},
	})

	var jsonSource string
	set := &cobra.Command{
		Use:   "set key=value...",
		Short: "Merge keys into the updates document and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := a.readPartial(cmd, jsonSource, args)
			if err != nil {
				return err
			}
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			st.Updates().Set(cmd.Context(), partial)
			doc, err := st.Updates().Get(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, doc)
		},
	}
	set.Flags().StringVar(&jsonSource, "json", "", "read a JSON object from this file (- for stdin)")
	cmd.AddCommand(set)
	return cmd
}
