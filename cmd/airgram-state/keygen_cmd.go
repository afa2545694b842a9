package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheDevXen/airgram"
	"github.com/TheDevXen/airgram/fieldcipher"
	"github.com/TheDevXen/airgram/internal/pathutil"
	"github.com/TheDevXen/airgram/internal/svcfields"
)

func newKeygenCommand(a *app) *cobra.Command {
	var outPath string
	defaultOutput := "$HOME/.airgram/" + airgram.DefaultKeyBundleName
	if path, err := airgram.DefaultKeyBundlePath(); err == nil {
		defaultOutput = path
	}
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a kryptograf key bundle, or complete an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := outPath
			if target == "" {
				path, err := airgram.DefaultKeyBundlePath()
				if err != nil {
					return fmt.Errorf("resolve key bundle path: %w", err)
				}
				target = path
			}
			resolved, err := pathutil.Resolve(target)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", target, err)
			}
			_, statErr := os.Stat(resolved)
			existed := statErr == nil
			if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
				return fmt.Errorf("stat key bundle: %w", statErr)
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
				return fmt.Errorf("create key bundle dir: %w", err)
			}
			if _, err := fieldcipher.EnsureBundle(resolved); err != nil {
				return err
			}
			svcfields.WithSubsystem(a.logger, svcfields.SubsystemCLI).Debug("cli.keygen", "path", resolved, "existed", existed)
			if existed {
				fmt.Fprintf(cmd.OutOrStdout(), "key bundle verified at %s\n", resolved)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "key bundle written to %s\n", resolved)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for the key bundle (defaults to %s)", defaultOutput))
	return cmd
}
