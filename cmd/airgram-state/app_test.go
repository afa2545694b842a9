package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/version"
)

type cliRun struct {
	stdin string
}

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return cliRun{}.execute(t, args...)
}

func (r cliRun) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(r.stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AIRGRAM_CONFIG_DIR", dir)
	return dir
}

func diskStore(t *testing.T) []string {
	t.Helper()
	return []string{"--store", "disk://" + t.TempDir(), "--client", "alice"}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeRootCommand(t, args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateConfig(t)
	out := mustRun(t, "version")
	want := version.Module() + " " + version.Current() + "\n"
	if out != want {
		t.Fatalf("unexpected stdout: got %q want %q", out, want)
	}
}

func TestSessionCommandsRoundTrip(t *testing.T) {
	isolateConfig(t)
	base := diskStore(t)

	if out := mustRun(t, append(base, "dc", "current")...); out != "2\n" {
		t.Fatalf("expected default dc 2, got %q", out)
	}
	mustRun(t, append(base, "dc", "current", "4")...)
	mustRun(t, append(base, "dc", "prev", "2")...)
	if out := mustRun(t, append(base, "auth-key", "4", "secret-key")...); !strings.Contains(out, "stored auth key for dc 4") {
		t.Fatalf("unexpected auth-key output %q", out)
	}
	if out := mustRun(t, append(base, "auth-key", "4")...); out != "secret-key\n" {
		t.Fatalf("unexpected auth key %q", out)
	}

	var summary map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, append(base, "dc")...)), &summary); err != nil {
		t.Fatalf("decode dc summary: %v", err)
	}
	if summary["current"] != float64(4) || summary["prev"] != float64(2) {
		t.Fatalf("unexpected dc summary %v", summary)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, append(base, "get")...)), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	dc4, ok := doc["dc4"].(map[string]any)
	if !ok || dc4["authKey"] != "secret-key" || doc["currentDcId"] != float64(4) {
		t.Fatalf("unexpected document %v", doc)
	}
	if out := mustRun(t, append(base, "get", "dc4.authKey")...); out != "\"secret-key\"\n" {
		t.Fatalf("unexpected field output %q", out)
	}
	if out := mustRun(t, append(base, "get", "dc9.authKey")...); out != "null\n" {
		t.Fatalf("expected null for absent field, got %q", out)
	}
	if _, err := executeRootCommand(t, append(base, "server-salt", "9")...); err == nil || !strings.Contains(err.Error(), "no server salt stored for dc 9") {
		t.Fatalf("expected missing salt error, got %v", err)
	}
}

func TestSecretFromStdinIsEncrypted(t *testing.T) {
	isolateConfig(t)
	base := diskStore(t)
	cipher := []string{"--cipher", "passphrase", "--passphrase", "hunter2", "--encrypt-fields", "serverSalt"}

	run := cliRun{stdin: "salty\n"}
	if _, err := run.execute(t, append(append(base, cipher...), "server-salt", "3", "-")...); err != nil {
		t.Fatalf("store salt: %v", err)
	}
	raw := mustRun(t, append(base, "get", "dc3.serverSalt")...)
	if strings.Contains(raw, "salty") {
		t.Fatalf("salt stored in plaintext: %s", raw)
	}
	if out := mustRun(t, append(append(base, cipher...), "server-salt", "3")...); out != "salty\n" {
		t.Fatalf("unexpected decrypted salt %q", out)
	}
	if _, err := executeRootCommand(t, append(append(base, "--cipher", "passphrase", "--passphrase", "wrong", "--encrypt-fields", "serverSalt"), "server-salt", "3")...); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestSetAndUpdatesCommands(t *testing.T) {
	isolateConfig(t)
	base := diskStore(t)

	var written map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, append(base, "set", "custom.flag=true", "note=hello")...)), &written); err != nil {
		t.Fatalf("decode set output: %v", err)
	}
	if out := mustRun(t, append(base, "get", "custom.flag")...); out != "true\n" {
		t.Fatalf("unexpected custom flag %q", out)
	}

	run := cliRun{stdin: "{\n  \"pts\": 10,\n  \"qts\": 3\n}\n"}
	if _, err := run.execute(t, append(base, "updates", "set", "--json", "-")...); err != nil {
		t.Fatalf("updates set: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, append(base, "updates", "set", "date=1700000000")...)), &doc); err != nil {
		t.Fatalf("decode updates: %v", err)
	}
	if doc["pts"] != float64(10) || doc["qts"] != float64(3) || doc["date"] != float64(1700000000) {
		t.Fatalf("unexpected updates document %v", doc)
	}
	if out := mustRun(t, append(base, "pending", "get", "pts")...); out != "10\n" {
		t.Fatalf("unexpected pts %q", out)
	}

	var yamlDoc map[string]any
	if err := yaml.Unmarshal([]byte(mustRun(t, append(base, "-o", "yaml", "updates", "get")...)), &yamlDoc); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if yamlDoc["qts"] != 3 {
		t.Fatalf("unexpected yaml document %v", yamlDoc)
	}

	file := filepath.Join(t.TempDir(), "partial.json")
	if err := os.WriteFile(file, []byte(`{"seq": 5}`), 0o600); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if _, err := executeRootCommand(t, append(base, "--json-max", "4B", "updates", "set", "--json", file)...); err == nil {
		t.Fatalf("expected json-max to reject the payload")
	}
	if _, err := executeRootCommand(t, append(base, "set", "--json", file, "a=1")...); err == nil {
		t.Fatalf("expected --json and arguments to conflict")
	}
}

func TestClearCommand(t *testing.T) {
	isolateConfig(t)
	base := diskStore(t)
	mustRun(t, append(base, "dc", "current", "5")...)
	mustRun(t, append(base, "updates", "set", "pts=1")...)

	out := mustRun(t, append(base, "clear", "--updates")...)
	if !strings.Contains(out, "cleared alice:mtp") || !strings.Contains(out, "cleared alice:updates") {
		t.Fatalf("unexpected clear output %q", out)
	}
	if out := mustRun(t, append(base, "get")...); strings.TrimSpace(out) != "{}" {
		t.Fatalf("expected empty session document, got %q", out)
	}
	if out := mustRun(t, append(base, "updates", "get")...); strings.TrimSpace(out) != "{}" {
		t.Fatalf("expected empty updates document, got %q", out)
	}
}

func TestCommandErrors(t *testing.T) {
	isolateConfig(t)
	cases := []struct {
		name string
		args []string
	}{
		{"missing client", []string{"get"}},
		{"bad dc id", []string{"--client", "a", "dc", "current", "zero"}},
		{"unknown slot", []string{"--client", "a", "dc", "next"}},
		{"bad output", []string{"--client", "a", "-o", "toml", "get"}},
		{"bad log level", []string{"--client", "a", "--log-level", "loud", "get"}},
		{"unknown scheme", []string{"--client", "a", "--store", "ftp://x", "get"}},
		{"bad assignment", []string{"--client", "a", "set", "novalue"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := executeRootCommand(t, tc.args...); err == nil {
				t.Fatalf("expected error for %v", tc.args)
			}
		})
	}
}

func TestEnvironmentAndConfigFile(t *testing.T) {
	dir := isolateConfig(t)
	root := t.TempDir()
	t.Setenv("AIRGRAM_STORE", "disk://"+root)
	t.Setenv("AIRGRAM_CLIENT", "envclient")
	mustRun(t, "dc", "current", "3")

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", cfgPath); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", cfgPath); err == nil {
		t.Fatalf("expected existing config to be protected")
	}
	t.Setenv("AIRGRAM_STORE", "")
	t.Setenv("AIRGRAM_CLIENT", "")

	custom := filepath.Join(t.TempDir(), "custom.yaml")
	content := "store: disk://" + root + "\nclient: envclient\n"
	if err := os.WriteFile(custom, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if out := mustRun(t, "--config", custom, "dc", "current"); out != "3\n" {
		t.Fatalf("expected dc from config file store, got %q", out)
	}
	if _, err := executeRootCommand(t, "--config", filepath.Join(dir, "missing.yaml"), "get"); err == nil {
		t.Fatalf("expected explicit missing config to fail")
	}
}

func TestConfigGenStdout(t *testing.T) {
	isolateConfig(t)
	out := mustRun(t, "--client", "bob", "config", "gen", "--stdout")
	var cfg configDefaults
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if cfg.Store != "mem://" || cfg.Client != "bob" || cfg.Cipher != "none" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected generated config %+v", cfg)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatalf("expected --stdout and --out to conflict")
	}
}

func TestKeygenAndKryptografCipher(t *testing.T) {
	isolateConfig(t)
	bundle := filepath.Join(t.TempDir(), "nested", "keys.pem")
	if out := mustRun(t, "keygen", "--out", bundle); !strings.Contains(out, "key bundle written to "+bundle) {
		t.Fatalf("unexpected keygen output %q", out)
	}
	info, err := os.Stat(bundle)
	if err != nil {
		t.Fatalf("stat bundle: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 bundle, got %v", info.Mode().Perm())
	}
	if out := mustRun(t, "keygen", "--out", bundle); !strings.Contains(out, "key bundle verified at") {
		t.Fatalf("unexpected second keygen output %q", out)
	}

	base := append(diskStore(t), "--cipher", "kryptograf", "--key-bundle", bundle, "--encrypt-all", "--storage-encryption")
	mustRun(t, append(base, "auth-key", "1", "k1")...)
	if out := mustRun(t, append(base, "auth-key", "1")...); out != "k1\n" {
		t.Fatalf("unexpected auth key %q", out)
	}
}

func TestWatchCommandPollsSnapshots(t *testing.T) {
	isolateConfig(t)
	root := t.TempDir()
	base := []string{"--store", "disk://" + root + "?nowatch=1", "--client", "alice", "--watch-poll-interval", "10ms"}
	mustRun(t, append(base, "updates", "set", "pts=4")...)

	out := mustRun(t, append(base, "watch", "--updates", "--count", "1")...)
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode snapshot %q: %v", out, err)
	}
	if doc["pts"] != float64(4) {
		t.Fatalf("unexpected snapshot %v", doc)
	}
}

func TestVerifyStoreCommand(t *testing.T) {
	isolateConfig(t)
	out := mustRun(t, "--store", "disk://"+t.TempDir()+"?nowatch=1", "verify", "store")
	if !strings.Contains(out, "Backend: disk") || !strings.Contains(out, "Storage verification succeeded.") {
		t.Fatalf("unexpected verify output %q", out)
	}
	if !strings.Contains(out, "✔ MergeDocument") {
		t.Fatalf("expected merge check in output %q", out)
	}
	if !strings.Contains(out, "- ChangeFeed: skipped") {
		t.Fatalf("expected skipped change feed in output %q", out)
	}
}
