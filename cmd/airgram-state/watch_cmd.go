package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCommand(a *app) *cobra.Command {
	var watchUpdates bool
	var limit int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session (or updates) document snapshots as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			st, err := a.open(ctx)
			if err != nil {
				cancel()
				return err
			}
			defer func() {
				cancel()
				st.Close()
			}()
			docKey := st.Session().ResolveKey()
			if watchUpdates {
				docKey = st.Updates().ResolveKey()
			}
			snapshots, err := st.Watch(ctx, docKey)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			for doc := range snapshots {
				if err := enc.Encode(doc); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			if err := cmd.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watchUpdates, "updates", false, "watch the pending updates document instead of the session document")
	cmd.Flags().IntVar(&limit, "count", 0, "exit after this many snapshots (0 streams until interrupted)")
	return cmd
}
