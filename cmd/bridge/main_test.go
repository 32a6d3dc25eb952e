package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func sqliteConfig(t *testing.T, extra string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	return writeConfigFile(t, fmt.Sprintf("storage:\n  driver: sqlite\n  path: %s\n%s", dbPath, extra))
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Fatalf("run() = %d, want 2", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("run(bogus) = %d, want 2", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("run(version) = %d, want 0", code)
	}
}

func TestConfigValidateValidFile(t *testing.T) {
	configPath := sqliteConfig(t, "")

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", configPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("config validate = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Fatalf("output = %q, want validity confirmation", out.String())
	}
}

func TestConfigValidateRejectsUnknownField(t *testing.T) {
	configPath := writeConfigFile(t, "storge:\n  driver: sqlite\n")

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", configPath}, &out, &errOut)
	if code != 1 {
		t.Fatalf("config validate = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Fatalf("stderr = %q, want invalid config error", errOut.String())
	}
}

func TestConfigValidateRejectsBadDriver(t *testing.T) {
	configPath := writeConfigFile(t, "storage:\n  driver: oracle\n")

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", configPath}, &out, &errOut)
	if code != 1 {
		t.Fatalf("config validate = %d, want 1", code)
	}
}

func TestConfigValidateSubcommandRequired(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfig(nil, &out, &errOut); code != 2 {
		t.Fatalf("config = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage") {
		t.Fatalf("stderr = %q, want usage", errOut.String())
	}
}
