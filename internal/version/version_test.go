package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20260301102030-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromBuildInfo(&debug.BuildInfo{}) != "" {
		t.Fatalf("expected empty pseudo version without vcs settings")
	}
	if pseudoFromBuildInfo(nil) != "" {
		t.Fatalf("expected empty pseudo version for nil info")
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if Current() != "v1.2.3" {
		t.Fatalf("expected ldflags version, got %q", Current())
	}
	buildVersion = ""
	if !strings.HasPrefix(Current(), "v") {
		t.Fatalf("expected a v-prefixed fallback, got %q", Current())
	}
}
