// Package jsonutil reads JSON documents and scalar values supplied on the
// command line.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"pkt.systems/jpact"

	"github.com/TheDevXen/airgram/internal/storage"
)

// ReadDocument compacts the JSON object read from r and decodes it.
// maxBytes limits the number of bytes read from r (<=0 disables the limit).
func ReadDocument(r io.Reader, maxBytes int64) (storage.Document, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("json: read: %w", err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("json: invalid input")
	}
	payload, err := jpact.CompactToBuffer(bytes.NewReader(raw), maxBytes)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("json: expected an object")
	}
	return storage.DecodeDocument(payload)
}

// ParseValue interprets raw as a JSON literal (number, bool, null, object,
// array or quoted string) and falls back to the raw string.
func ParseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	return v
}

// ParseAssignments turns key=value pairs into a partial document. Keys may be
// dotted paths.
func ParseAssignments(pairs []string) (storage.Document, error) {
	doc := storage.Document{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("json: expected key=value, got %q", pair)
		}
		if _, err := storage.SplitPath(key); err != nil {
			return nil, err
		}
		doc[key] = ParseValue(value)
	}
	return doc, nil
}
