package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTestConfig writes a sqlite-backed config into a temp dir and returns
// its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "roundhouse.yaml")
	yml := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "rh.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "rh dev") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestDBInitAndStatus(t *testing.T) {
	cfgPath := writeTestConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"db", "init", "-c", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("db init: %v", err)
	}
	if !strings.Contains(out.String(), "initialized successfully") {
		t.Errorf("db init output = %q", out.String())
	}

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "-c", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "No instances.") {
		t.Errorf("status output = %q", out.String())
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	cfgPath := writeTestConfig(t)

	root := newRootCmd()
	root.SetArgs([]string{"db", "init", "-c", cfgPath})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("db init: %v", err)
	}

	// Refusing the prompt aborts.
	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetIn(strings.NewReader("no\n"))
	root.SetArgs([]string{"db", "reset", "-c", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("reset output = %q, want abort", out.String())
	}

	// Typing yes proceeds.
	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetIn(strings.NewReader("yes\n"))
	root.SetArgs([]string{"db", "reset", "-c", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("db reset confirmed: %v", err)
	}
	if !strings.Contains(out.String(), "reset successfully") {
		t.Errorf("reset output = %q", out.String())
	}
}

func TestProvisionRequiresType(t *testing.T) {
	cfgPath := writeTestConfig(t)
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"provision", "-c", cfgPath})
	if err := root.Execute(); err == nil {
		t.Fatal("provision without --type succeeded")
	}
}

func TestFormatAge(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{30, "30s"},
		{90, "1m"},
		{3700, "1h"},
		{90000, "1d"},
	}
	for _, tc := range cases {
		d := time.Duration(tc.seconds) * time.Second
		if got := formatAge(d); got != tc.want {
			t.Errorf("formatAge(%ds) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
