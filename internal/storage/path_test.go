package storage

import (
	"reflect"
	"testing"
)

func TestMergeDottedKeysPreserveSiblings(t *testing.T) {
	doc := Document{
		"currentDcId": float64(2),
		"dc2":         map[string]any{"serverSalt": "salt"},
	}
	if err := Merge(doc, Document{"dc2.authKey": "x"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := Document{
		"currentDcId": float64(2),
		"dc2":         map[string]any{"serverSalt": "salt", "authKey": "x"},
	}
	if !reflect.DeepEqual(doc, want) {
		t.Fatalf("unexpected document: %#v", doc)
	}
}

func TestMergeNestedObjectsAndDeletes(t *testing.T) {
	doc := Document{"dc4": map[string]any{"authKey": "a", "serverSalt": "s"}, "pts": float64(10)}
	err := Merge(doc, Document{
		"dc4": map[string]any{"authKey": "b"},
		"pts": nil,
		"dc5": map[string]any{"serverSalt": "t"},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := Document{
		"dc4": map[string]any{"authKey": "b", "serverSalt": "s"},
		"dc5": map[string]any{"serverSalt": "t"},
	}
	if !reflect.DeepEqual(doc, want) {
		t.Fatalf("unexpected document: %#v", doc)
	}
}

func TestMergeReplacesScalarWithObject(t *testing.T) {
	doc := Document{"dc1": "legacy"}
	if err := Merge(doc, Document{"dc1.authKey": "k"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if v, ok := Lookup(doc, "dc1.authKey"); !ok || v != "k" {
		t.Fatalf("expected nested authKey, got %v (%v)", v, ok)
	}
}

func TestSplitPathRejectsEmptySegments(t *testing.T) {
	for _, path := range []string{"", ".", "dc2.", ".authKey", "dc2..authKey"} {
		if _, err := SplitPath(path); err == nil {
			t.Fatalf("expected error for %q", path)
		}
	}
	if err := Merge(Document{}, Document{"a..b": 1}); err == nil {
		t.Fatalf("expected merge to reject invalid key")
	}
}

func TestLookup(t *testing.T) {
	doc := Document{"dc2": map[string]any{"authKey": "k"}, "flag": false, "gone": nil}
	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"dc2.authKey", "k", true},
		{"dc2.serverSalt", nil, false},
		{"dc2.authKey.deeper", nil, false},
		{"flag", false, true},
		{"gone", nil, false},
		{"missing", nil, false},
	}
	for _, tc := range cases {
		got, ok := Lookup(doc, tc.path)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Lookup(%q) = %v, %v; want %v, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTopLevelKeys(t *testing.T) {
	keys, err := TopLevelKeys(Document{"dc2.authKey": "a", "dc2.serverSalt": "b", "pts": 1})
	if err != nil {
		t.Fatalf("top level keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 distinct keys, got %v", keys)
	}
}

func TestCloneIsDeep(t *testing.T) {
	src := Document{"dc2": map[string]any{"authKey": "a"}, "list": []any{map[string]any{"x": 1}}}
	dup := Clone(src)
	dup["dc2"].(map[string]any)["authKey"] = "b"
	dup["list"].([]any)[0].(map[string]any)["x"] = 2
	if src["dc2"].(map[string]any)["authKey"] != "a" {
		t.Fatalf("clone shares nested map")
	}
	if src["list"].([]any)[0].(map[string]any)["x"] != 1 {
		t.Fatalf("clone shares slice elements")
	}
}

func TestDecodeDocumentEmpty(t *testing.T) {
	doc, err := DecodeDocument(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc == nil || len(doc) != 0 {
		t.Fatalf("expected empty document, got %#v", doc)
	}
	if _, err := DecodeDocument([]byte("[1,2]")); err == nil {
		t.Fatalf("expected error decoding array")
	}
}
