package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/afischbach/simsweep/internal/project"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("non-JSON output %q: %v", out, err)
	}
	if payload["version"] == "" {
		t.Fatal("version missing from payload")
	}
}

func TestInitScaffoldsProject(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, "init", "--root", root)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Initialized") {
		t.Fatalf("unexpected output: %q", out)
	}
	layout := project.Layout{Root: root}
	if _, err := os.Stat(layout.ConfigPath()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if _, err := os.Stat(layout.InputsDir()); err != nil {
		t.Fatalf("inputs tree not created: %v", err)
	}

	// Rerunning keeps the existing config.
	if err := os.WriteFile(layout.ConfigPath(), []byte("run: {parallelism: 3}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "init", "--root", root); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, err := os.ReadFile(layout.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "parallelism: 3") {
		t.Fatal("init overwrote existing config")
	}
}

func TestImportAndStatus(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "init", "--root", root); err != nil {
		t.Fatalf("init: %v", err)
	}

	src := filepath.Join(t.TempDir(), "my-config")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	template := "<settings><overall><max_time>60</max_time></overall></settings>"
	if err := os.WriteFile(filepath.Join(src, project.ConfigFileName), []byte(template), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "import", src, "--root", root, "--kind", "config", "--name", "default")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "config/default") {
		t.Fatalf("unexpected import output: %q", out)
	}

	// Importing the same name twice is rejected.
	if _, err := execute(t, "import", src, "--root", root, "--kind", "config", "--name", "default"); err == nil {
		t.Fatal("duplicate import should fail")
	}

	out, err = execute(t, "status", "--root", root, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var payload struct {
		Bases []struct {
			Base       string `json:"base"`
			Variations int    `json:"variations"`
		} `json:"bases"`
		Simulations int `json:"simulations"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("non-JSON status %q: %v", out, err)
	}
	if len(payload.Bases) != 1 || payload.Bases[0].Base != "config/default" {
		t.Fatalf("unexpected bases: %+v", payload.Bases)
	}
	if payload.Bases[0].Variations != 1 {
		t.Fatalf("import should mint the identity variation, got %d rows", payload.Bases[0].Variations)
	}
	if payload.Simulations != 0 {
		t.Fatalf("fresh project reports %d simulations", payload.Simulations)
	}
}

func TestImportRejectsUnknownKind(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "init", "--root", root); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := execute(t, "import", t.TempDir(), "--root", root, "--kind", "mesh"); err == nil {
		t.Fatal("want error for unknown kind")
	}
}

func TestCommandsRequireInit(t *testing.T) {
	root := t.TempDir()
	for _, args := range [][]string{
		{"status", "--root", root},
		{"prune", "--root", root},
		{"run", "nonexistent.yaml", "--root", root},
	} {
		if _, err := execute(t, args...); err == nil {
			t.Fatalf("%v should fail before init", args)
		}
	}
}

func TestPruneEmptyProject(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "init", "--root", root); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := execute(t, "prune", "--root", root, "--json")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	var payload map[string]int
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("non-JSON prune output %q: %v", out, err)
	}
	for k, v := range payload {
		if v != 0 {
			t.Fatalf("empty project pruned %s=%d", k, v)
		}
	}
}
