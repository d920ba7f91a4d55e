// Package project defines the on-disk layout of a simsweep project: the
// named input folders consumed by the engine, the per-simulation output
// folders, and the store database. It also carries the thin project
// creation and import surface used by the CLI.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/beevik/etree"

	"github.com/afischbach/simsweep/internal/pathutil"
	"github.com/afischbach/simsweep/internal/store"
)

// ConfigFileName is the varied XML document inside a config input folder.
const ConfigFileName = "config.xml"

// RulesFileName is the varied XML document inside a rulesets input folder.
const RulesFileName = "rules.xml"

// ICCellsFileName is the varied XML document inside an ic_cells folder,
// when present. Initial-condition folders without it are treated as
// opaque and only ever get variation id 0.
const ICCellsFileName = "cells.xml"

// ICSubstratesFileName is the ic_substrates counterpart of ICCellsFileName.
const ICSubstratesFileName = "substrates.xml"

// Layout resolves paths inside a project root.
type Layout struct {
	Root string
}

// DBPath is the store database location.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "sweep.db") }

// ConfigPath is the project configuration file location.
func (l Layout) ConfigPath() string { return filepath.Join(l.Root, "simsweep.yaml") }

// InputsDir is the root of all named input folders.
func (l Layout) InputsDir() string { return filepath.Join(l.Root, "inputs") }

// KindDir is the inputs subtree for one input kind.
func (l Layout) KindDir(kind store.Kind) string {
	return filepath.Join(l.InputsDir(), string(kind))
}

// InputDir is the named input folder for one kind.
func (l Layout) InputDir(kind store.Kind, name string) string {
	return filepath.Join(l.KindDir(kind), name)
}

// CustomDir is the named custom-code folder. Custom code is an opaque
// identity, not a varied input kind.
func (l Layout) CustomDir(name string) string {
	return filepath.Join(l.InputsDir(), "custom", name)
}

// RunLogPath is the JSONL run-trace file appended to by every run.
func (l Layout) RunLogPath() string { return filepath.Join(l.Root, "run.log.jsonl") }

// OutputsDir is the root of all simulation output folders.
func (l Layout) OutputsDir() string { return filepath.Join(l.Root, "outputs", "simulations") }

// SimulationDir is the folder owned by one simulation id.
func (l Layout) SimulationDir(id int64) string {
	return filepath.Join(l.OutputsDir(), strconv.FormatInt(id, 10))
}

// SimulationInputDir holds the materialized inputs for one simulation.
func (l Layout) SimulationInputDir(id int64) string {
	return filepath.Join(l.SimulationDir(id), "input")
}

// SimulationOutputDir receives the engine's outputs for one simulation.
func (l Layout) SimulationOutputDir(id int64) string {
	return filepath.Join(l.SimulationDir(id), "output")
}

// templateFiles maps each varied kind to its XML document name.
var templateFiles = map[store.Kind]string{
	store.KindConfig:       ConfigFileName,
	store.KindRulesets:     RulesFileName,
	store.KindICCells:      ICCellsFileName,
	store.KindICSubstrates: ICSubstratesFileName,
}

// TemplatePath returns the varied XML document of a named input folder.
func (l Layout) TemplatePath(kind store.Kind, name string) string {
	return filepath.Join(l.InputDir(kind, name), templateFiles[kind])
}

// LoadTemplate parses the varied XML document for a base identity given
// as "kind/name". It is the store.TemplateFunc for this layout.
func (l Layout) LoadTemplate(base string) (*etree.Document, error) {
	kind, name, err := SplitBase(base)
	if err != nil {
		return nil, err
	}
	path := l.TemplatePath(kind, name)
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", pathutil.RedactPath(path), err)
	}
	return doc, nil
}

// SplitBase parses a base identity string back into its kind and name.
func SplitBase(base string) (store.Kind, string, error) {
	for _, k := range store.Kinds {
		prefix := string(k) + "/"
		if len(base) > len(prefix) && base[:len(prefix)] == prefix {
			return k, base[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("malformed base identity %q, want kind/name", base)
}

// Init scaffolds a new project under root: the inputs subtrees for every
// kind, the custom-code subtree, and the outputs root. Existing
// directories are left alone.
func Init(root string) (Layout, error) {
	l := Layout{Root: root}
	dirs := []string{l.OutputsDir(), filepath.Join(l.InputsDir(), "custom")}
	for _, k := range store.Kinds {
		dirs = append(dirs, l.KindDir(k))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return l, fmt.Errorf("failed to create %s: %w", pathutil.RedactPath(dir), err)
		}
	}
	return l, nil
}

// Import copies the folder at src into the inputs subtree for kind under
// the given name and returns the new base identity. A varied kind must
// contain its XML template document; custom-code folders (kind "") are
// copied as-is.
func (l Layout) Import(kind store.Kind, name, src string) (string, error) {
	if name == "" {
		name = filepath.Base(src)
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("failed to read import source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("import source %s is not a directory", pathutil.RedactPath(src))
	}

	var dst, base string
	if kind == "" {
		dst = l.CustomDir(name)
		base = "custom/" + name
	} else {
		if _, ok := templateFiles[kind]; !ok {
			return "", fmt.Errorf("unknown input kind %q", kind)
		}
		if _, err := os.Stat(filepath.Join(src, templateFiles[kind])); err != nil {
			return "", fmt.Errorf("import source has no %s: %w", templateFiles[kind], err)
		}
		dst = l.InputDir(kind, name)
		base = store.BaseID(kind, name)
	}

	// A name like "../x" must not land outside the inputs tree.
	if err := pathutil.ValidatePath(dst, []string{l.InputsDir()}); err != nil {
		return "", err
	}

	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("input %q already exists", base)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", pathutil.RedactPath(src), err)
	}
	return base, nil
}

// BaseInputs names the input folders a request runs against. Empty
// fields mean the kind is unused.
type BaseInputs struct {
	Config       string
	Rulesets     string
	ICCells      string
	ICSubstrates string
	CustomCode   string
}

// Name returns the folder name for one varied kind.
func (b BaseInputs) Name(kind store.Kind) string {
	switch kind {
	case store.KindConfig:
		return b.Config
	case store.KindRulesets:
		return b.Rulesets
	case store.KindICCells:
		return b.ICCells
	case store.KindICSubstrates:
		return b.ICSubstrates
	}
	return ""
}

// Validate checks that every named input folder exists and that the
// mandatory config kind is set.
func (b BaseInputs) Validate(l Layout) error {
	if b.Config == "" {
		return fmt.Errorf("base inputs: config folder name is required")
	}
	for _, k := range store.Kinds {
		name := b.Name(k)
		if name == "" {
			continue
		}
		if _, err := os.Stat(l.InputDir(k, name)); err != nil {
			return fmt.Errorf("base inputs: %s folder %q: %w", k, name, err)
		}
	}
	if b.CustomCode != "" {
		if _, err := os.Stat(l.CustomDir(b.CustomCode)); err != nil {
			return fmt.Errorf("base inputs: custom code folder %q: %w", b.CustomCode, err)
		}
	}
	return nil
}

// Tuple assembles the variation identity for this base with the given
// per-kind variation ids.
func (b BaseInputs) Tuple(ids map[store.Kind]int64) store.Tuple {
	return store.Tuple{
		ConfigBase:       b.Config,
		Config:           ids[store.KindConfig],
		RulesetsBase:     b.Rulesets,
		Rulesets:         ids[store.KindRulesets],
		ICCellsBase:      b.ICCells,
		ICCells:          ids[store.KindICCells],
		ICSubstratesBase: b.ICSubstrates,
		ICSubstrates:     ids[store.KindICSubstrates],
		CustomCode:       b.CustomCode,
	}
}
