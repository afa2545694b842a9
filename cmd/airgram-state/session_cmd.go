package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get [field]",
		Short: "Print the session document or one dotted field of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if len(args) == 0 {
				doc, err := st.Session().Get(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd, doc)
			}
			value, err := st.Session().GetField(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, value)
		},
	}
}

func newSetCommand(a *app) *cobra.Command {
	var jsonSource string
	cmd := &cobra.Command{
		Use:   "set key=value...",
		Short: "Merge fields into the session document",
		Long: `Merge fields into the session document. Keys may be dotted paths such as
dc2.serverSalt; values are parsed as JSON literals and fall back to strings.
Secret fields written here bypass the field cipher, use auth-key and
server-salt for those.`,
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
			written, err := st.Session().Set(cmd.Context(), partial)
			if err != nil {
				return err
			}
			return a.print(cmd, written)
		},
	}
	cmd.Flags().StringVar(&jsonSource, "json", "", "read a JSON object from this file (- for stdin)")
	return cmd
}

func newClearCommand(a *app) *cobra.Command {
	var withUpdates bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the session document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Session().ClearState(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", st.Session().ResolveKey())
			if withUpdates {
				if err := st.Store().Delete(cmd.Context(), st.Updates().ResolveKey()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", st.Updates().ResolveKey())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withUpdates, "updates", false, "also delete the pending updates document")
	return cmd
}

func newDcCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dc [current|prev] [id]",
		Short: "Show or change the current and previous datacenter ids",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			which := ""
			if len(args) > 0 {
				which = strings.ToLower(args[0])
				if which != "current" && which != "prev" {
					return fmt.Errorf("unknown datacenter slot %q (current, prev)", args[0])
				}
			}
			var id int
			if len(args) == 2 {
				parsed, err := parseDcID(args[1])
				if err != nil {
					return err
				}
				id = parsed
			}
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			mgr := st.Session()

			switch {
			case which == "current" && len(args) == 2:
				if _, err := mgr.SetCurrentDcID(ctx, id); err != nil {
					return err
				}
				return a.print(cmd, id)
			case which == "prev" && len(args) == 2:
				if _, err := mgr.SetPrevDcID(ctx, id); err != nil {
					return err
				}
				return a.print(cmd, id)
			case which == "current":
				current, err := mgr.CurrentDcID(ctx)
				if err != nil {
					return err
				}
				return a.print(cmd, current)
			case which == "prev":
				prev, ok, err := mgr.PrevDcID(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return a.print(cmd, nil)
				}
				return a.print(cmd, prev)
			}
			current, err := mgr.CurrentDcID(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"current": current, "prev": nil}
			if prev, ok, err := mgr.PrevDcID(ctx); err != nil {
				return err
			} else if ok {
				out["prev"] = prev
			}
			return a.print(cmd, out)
		},
	}
}

// newSecretCommand builds the auth-key and server-salt commands. Reads print
// the decrypted value, writes encrypt it per the configured policy.
func newSecretCommand(a *app, use, noun string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <dc> [value|-]",
		Short: fmt.Sprintf("Read or write the %s of a datacenter", noun),
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dcID, err := parseDcID(args[0])
			if err != nil {
				return err
			}
			var value string
			if len(args) == 2 {
				value = args[1]
				if value == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read %s from stdin: %w", noun, err)
					}
					value = strings.TrimRight(string(data), "\r\n")
				}
			}
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			mgr := st.Session()

			if len(args) == 2 {
				if use == "auth-key" {
					_, err = mgr.SetAuthKey(ctx, dcID, value)
				} else {
					_, err = mgr.SetServerSalt(ctx, dcID, value)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s for dc %d\n", noun, dcID)
				return nil
			}

			var ok bool
			if use == "auth-key" {
				value, ok, err = mgr.AuthKey(ctx, dcID)
			} else {
				value, ok, err = mgr.ServerSalt(ctx, dcID)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no %s stored for dc %d", noun, dcID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func parseDcID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid datacenter id %q", raw)
	}
	return id, nil
}
