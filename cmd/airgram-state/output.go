package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheDevXen/airgram"
	"github.com/TheDevXen/airgram/internal/jsonutil"
)

type outputFormat string

const (
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func (a *app) format() (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(a.v.GetString("output")))); f {
	case "", formatJSON:
		return formatJSON, nil
	case formatYAML:
		return formatYAML, nil
	default:
		return "", fmt.Errorf("unsupported --output %q (json, yaml)", f)
	}
}

func (a *app) print(cmd *cobra.Command, v any) error {
	format, err := a.format()
	if err != nil {
		return err
	}
	return writeValue(cmd.OutOrStdout(), format, v)
}

func writeValue(out io.Writer, format outputFormat, v any) error {
	if format == formatYAML {
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		_, err = out.Write(data)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPartial builds a partial document from key=value arguments or, when
// source is set, from a JSON object read from a file or "-" for stdin.
func (a *app) readPartial(cmd *cobra.Command, source string, args []string) (airgram.Document, error) {
	if source == "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("expected key=value arguments or --json")
		}
		return jsonutil.ParseAssignments(args)
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("--json and key=value arguments are mutually exclusive")
	}
	maxBytes, err := a.jsonMaxBytes()
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if source == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open json input: %w", err)
		}
		defer f.Close()
		r = f
	}
	return jsonutil.ReadDocument(r, maxBytes)
}
