package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PathSeparator splits nested field paths such as "dc2.authKey".
const PathSeparator = "."

// SplitPath splits a dotted field path into its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: empty field path")
	}
	parts := strings.Split(path, PathSeparator)
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("storage: invalid field path %q", path)
		}
	}
	return parts, nil
}

// Lookup resolves path inside doc. The boolean is false when any segment is
// missing or traverses a non-object value.
func Lookup(doc Document, path string) (any, bool) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, false
	}
	return LookupSegments(map[string]any(doc), parts)
}

// LookupSegments resolves pre-split path segments inside m.
func LookupSegments(m map[string]any, parts []string) (any, bool) {
	var cur any = m
	for _, part := range parts {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Merge applies partial onto dst in place. Dotted keys address nested
// objects, object values merge recursively, nil values remove the field and
// every other value replaces what was there.
func Merge(dst Document, partial Document) error {
	if dst == nil {
		return fmt.Errorf("storage: merge into nil document")
	}
	for key, value := range partial {
		parts, err := SplitPath(key)
		if err != nil {
			return err
		}
		mergePath(map[string]any(dst), parts, value)
	}
	return nil
}

func mergePath(dst map[string]any, parts []string, value any) {
	for _, part := range parts[:len(parts)-1] {
		next, ok := asObject(dst[part])
		if !ok {
			next = make(map[string]any)
			dst[part] = next
		}
		dst = next
	}
	leaf := parts[len(parts)-1]
	if value == nil {
		delete(dst, leaf)
		return
	}
	if obj, ok := asObject(value); ok {
		existing, ok := asObject(dst[leaf])
		if !ok {
			existing = make(map[string]any, len(obj))
			dst[leaf] = existing
		}
		for k, v := range obj {
			mergePath(existing, []string{k}, v)
		}
		return
	}
	dst[leaf] = value
}

// Expand returns partial with dotted keys converted into nested objects. Nil
// values are dropped.
func Expand(partial Document) (Document, error) {
	out := make(Document, len(partial))
	if err := Merge(out, partial); err != nil {
		return nil, err
	}
	return out, nil
}

// TopLevelKeys returns the distinct first segments of every key in partial.
func TopLevelKeys(partial Document) ([]string, error) {
	seen := make(map[string]struct{}, len(partial))
	keys := make([]string, 0, len(partial))
	for key := range partial {
		parts, err := SplitPath(key)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[parts[0]]; ok {
			continue
		}
		seen[parts[0]] = struct{}{}
		keys = append(keys, parts[0])
	}
	return keys, nil
}

// Clone returns a deep copy of doc.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	return Document(cloneObject(doc))
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Document:
		return cloneObject(typed)
	case map[string]any:
		return cloneObject(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func asObject(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case Document:
		return typed, true
	case map[string]any:
		return typed, true
	default:
		return nil, false
	}
}

// EncodeDocument serialises doc as compact JSON.
func EncodeDocument(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("storage: encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument parses a JSON object. Empty input decodes to an empty document.
func DecodeDocument(data []byte) (Document, error) {
	doc := Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode document: %w", err)
	}
	return doc, nil
}

// DecodeValue parses a JSON value stored for a single field.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("storage: decode value: %w", err)
	}
	return v, nil
}

// EncodeValue serialises a single field value as JSON.
func EncodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode value: %w", err)
	}
	return data, nil
}
