package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheDevXen/airgram/internal/storagecheck"
)

func newVerifyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(a))
	return cmd
}

func newVerifyStoreCommand(a *app) *cobra.Command {
	var feedTimeout = storagecheck.DefaultFeedTimeout
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Verify that the configured store supports the state operations",
		Example: strings.TrimSpace(`
# Verify a bolt file
airgram-state --store bolt:///var/lib/airgram/state.db verify store

# Verify an S3-compatible service (MinIO)
AIRGRAM_STORE=s3://localhost:9000/airgram?insecure=1 AIRGRAM_S3_ACCESS_KEY_ID=minio AIRGRAM_S3_SECRET_ACCESS_KEY=minio123 airgram-state verify store
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(a.v.GetString("client")) == "" {
				a.v.Set("client", "airgram-verify")
			}
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			res := storagecheck.Verify(cmd.Context(), st.Store(), storagecheck.Options{
				Namespace:   st.Config().ClientName,
				FeedTimeout: feedTimeout,
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", st.Config().Store)
			fmt.Fprintf(out, "Backend: %s\n", res.Backend)
			fmt.Fprintf(out, "Storage encryption: %t\n", st.Config().StorageEncryption)
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				switch {
				case check.Skipped:
					fmt.Fprintf(out, "- %s: skipped (%s)\n", check.Name, check.Note)
				case check.Err == nil:
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				default:
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
	cmd.Flags().DurationVar(&feedTimeout, "feed-timeout", storagecheck.DefaultFeedTimeout, "maximum wait for a change notification")
	return cmd
}
