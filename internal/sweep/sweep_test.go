package sweep

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/afischbach/simsweep/internal/store"
)

func writeSweep(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing sweep file: %v", err)
	}
	return path
}

const fullSweep = `
name: dose-response
replicates: 2
use_previous: false
base:
  config: default
  rulesets: default
  custom_code: v1
arms:
  - name: grid
    variations:
      - path: [overall, max_time]
        values: [60.0, 120]
      - target: rulesets
        path: ["hypoxia:name:oxygen", threshold]
        values: [a, b, c]
  - name: paired
    reference:
      config: 3
    variations:
      - covary:
          - path: [overall, max_time]
            values: [60, 120]
          - path: [save, interval]
            values: [6, 12]
`

func TestLoadFull(t *testing.T) {
	f, err := Load(writeSweep(t, fullSweep))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Name != "dose-response" || f.Replicates != 2 {
		t.Fatalf("unexpected header: %+v", f)
	}
	if f.UsePrevious == nil || *f.UsePrevious {
		t.Fatal("use_previous: false not honored")
	}

	req, err := f.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.UsePrevious {
		t.Fatal("request should not reuse previous replicates")
	}
	if req.Base.Config != "default" || req.Base.CustomCode != "v1" {
		t.Fatalf("unexpected base inputs: %+v", req.Base)
	}
	if len(req.Arms) != 2 {
		t.Fatalf("want 2 arms, got %d", len(req.Arms))
	}

	grid := req.Arms[0]
	if len(grid.Groups[store.KindConfig]) != 1 || len(grid.Groups[store.KindRulesets]) != 1 {
		t.Fatalf("unexpected grid groups: %+v", grid.Groups)
	}
	configAssignments, err := grid.Groups[store.KindConfig][0].Assignments()
	if err != nil {
		t.Fatalf("Assignments: %v", err)
	}
	if len(configAssignments) != 2 {
		t.Fatalf("want 2 config assignments, got %d", len(configAssignments))
	}
	// Scalars keep their literal source form.
	entries := configAssignments[0].Entries()
	if entries[0].Value != "60.0" {
		t.Fatalf("want literal value 60.0, got %q", entries[0].Value)
	}

	paired := req.Arms[1]
	if paired.Reference[store.KindConfig] != 3 {
		t.Fatalf("reference not carried: %+v", paired.Reference)
	}
	pairs, err := paired.Groups[store.KindConfig][0].Assignments()
	if err != nil {
		t.Fatalf("covary Assignments: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("covary should zip to 2 assignments, got %d", len(pairs))
	}
	if got := len(pairs[0].Entries()); got != 2 {
		t.Fatalf("each covary assignment should carry 2 entries, got %d", got)
	}
}

func TestUsePreviousDefaultsTrue(t *testing.T) {
	f, err := Load(writeSweep(t, `
replicates: 1
base:
  config: default
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	req, err := f.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !req.UsePrevious {
		t.Fatal("use_previous should default to true")
	}
}

func TestDistributionMaterialized(t *testing.T) {
	doc := `
replicates: 1
base:
  config: default
arms:
  - variations:
      - path: [cells, motility_speed]
        draws: 4
        distribution:
          kind: uniform
          min: 0.1
          max: 0.9
          seed: 7
`
	f, err := Load(writeSweep(t, doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	first, err := f.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	again, err := f.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	a, _ := first.Arms[0].Groups[store.KindConfig][0].Assignments()
	b, _ := again.Arms[0].Groups[store.KindConfig][0].Assignments()
	if len(a) != 4 {
		t.Fatalf("want 4 draws, got %d", len(a))
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			t.Fatalf("draw %d differs between translations", i)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing replicates", "base:\n  config: default\n"},
		{"missing base config", "replicates: 1\n"},
		{"values not a sequence", "replicates: 1\nbase:\n  config: d\narms:\n  - variations:\n      - path: [a]\n        values: notalist\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeSweep(t, tc.doc)); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no domain", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - path: [a]
`},
		{"both domains", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - path: [a]
        values: [1]
        distribution: {kind: uniform, min: 0, max: 1}
        draws: 2
`},
		{"distribution without draws", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - path: [a]
        distribution: {kind: uniform, min: 0, max: 1}
`},
		{"unknown distribution", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - path: [a]
        draws: 2
        distribution: {kind: zipf}
`},
		{"unknown target", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - target: mesh
        path: [a]
        values: [1]
`},
		{"covary single member", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - covary:
          - path: [a]
            values: [1]
`},
		{"covary mixed targets", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - covary:
          - path: [a]
            values: [1, 2]
          - target: rulesets
            path: [b]
            values: [3, 4]
`},
		{"nested covary", `
replicates: 1
base: {config: d}
arms:
  - variations:
      - covary:
          - path: [a]
            values: [1]
          - covary:
              - path: [b]
                values: [1]
              - path: [c]
                values: [1]
`},
		{"bad reference target", `
replicates: 1
base: {config: d}
arms:
  - reference: {mesh: 2}
    variations:
      - path: [a]
        values: [1]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Load(writeSweep(t, tc.doc))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if _, err := f.Request(); err == nil {
				t.Fatal("want error")
			}
		})
	}
}
