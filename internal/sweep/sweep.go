// Package sweep reads declarative YAML request files: base inputs, an
// ordered list of variations per arm, a replicate count, and a reuse
// flag. One sweep file reproduces a whole trial.
package sweep

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/afischbach/simsweep/internal/project"
	"github.com/afischbach/simsweep/internal/runner"
	"github.com/afischbach/simsweep/internal/store"
	"github.com/afischbach/simsweep/internal/variation"
	"github.com/afischbach/simsweep/internal/xmlpath"
)

// File is the top-level sweep document.
type File struct {
	Name        string    `yaml:"name"`
	Replicates  int       `yaml:"replicates"`
	UsePrevious *bool     `yaml:"use_previous"` // defaults to true
	Base        BaseSpec  `yaml:"base"`
	Arms        []ArmSpec `yaml:"arms"`
}

// BaseSpec names the input folders the sweep runs against.
type BaseSpec struct {
	Config       string `yaml:"config"`
	Rulesets     string `yaml:"rulesets"`
	ICCells      string `yaml:"ic_cells"`
	ICSubstrates string `yaml:"ic_substrates"`
	CustomCode   string `yaml:"custom_code"`
}

// ArmSpec is one sampling arm: an ordered variation list (possibly with
// covariation groups) and optional per-kind reference variation ids.
type ArmSpec struct {
	Name       string           `yaml:"name"`
	Variations []VariationSpec  `yaml:"variations"`
	Reference  map[string]int64 `yaml:"reference"`
}

// VariationSpec is one variation group. Either Covary holds two or more
// member variations that change in lockstep, or it is a single variation
// with a discrete Values list or a Distribution materialized to Draws
// quantile points.
type VariationSpec struct {
	Target       string            `yaml:"target"` // config (default), rulesets, ic_cells, ic_substrates
	Path         []string          `yaml:"path"`
	Values       StringList        `yaml:"values"`
	Distribution *DistributionSpec `yaml:"distribution"`
	Draws        int               `yaml:"draws"`
	Covary       []VariationSpec   `yaml:"covary"`
}

// DistributionSpec selects a sampling distribution and its seed.
type DistributionSpec struct {
	Kind  string  `yaml:"kind"` // uniform, normal, lognormal
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Mu    float64 `yaml:"mu"`
	Sigma float64 `yaml:"sigma"`
	Seed  uint64  `yaml:"seed"`
}

// StringList decodes a YAML sequence of arbitrary scalars as their
// literal string forms, so `values: [60.0, 120]` keeps "60.0" and "120"
// exactly as written.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("values must be a sequence, got %s", value.Tag)
	}
	out := make([]string, len(value.Content))
	for i, n := range value.Content {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("values[%d] must be a scalar", i)
		}
		out[i] = n.Value
	}
	*s = out
	return nil
}

// Load reads and validates a sweep file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sweep file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sweep file: %w", err)
	}
	if f.Replicates <= 0 {
		return nil, fmt.Errorf("sweep file: replicates must be positive, got %d", f.Replicates)
	}
	if f.Base.Config == "" {
		return nil, fmt.Errorf("sweep file: base.config is required")
	}
	return &f, nil
}

// Request translates the sweep document into the coordinator's request
// surface. Distributions are materialized here, so the translation is
// deterministic for a fixed file.
func (f *File) Request() (runner.Request, error) {
	req := runner.Request{
		Base: project.BaseInputs{
			Config:       f.Base.Config,
			Rulesets:     f.Base.Rulesets,
			ICCells:      f.Base.ICCells,
			ICSubstrates: f.Base.ICSubstrates,
			CustomCode:   f.Base.CustomCode,
		},
		Replicates:  f.Replicates,
		UsePrevious: f.UsePrevious == nil || *f.UsePrevious,
	}
	for i, arm := range f.Arms {
		a := runner.Arm{
			Name:      arm.Name,
			Groups:    make(map[store.Kind][]variation.Group),
			Reference: make(map[store.Kind]int64),
		}
		for target, ref := range arm.Reference {
			kind, err := parseTarget(target)
			if err != nil {
				return runner.Request{}, fmt.Errorf("arm %d: reference: %w", i, err)
			}
			a.Reference[kind] = ref
		}
		for j, vs := range arm.Variations {
			kind, group, err := vs.group()
			if err != nil {
				return runner.Request{}, fmt.Errorf("arm %d variation %d: %w", i, j, err)
			}
			a.Groups[kind] = append(a.Groups[kind], group)
		}
		req.Arms = append(req.Arms, a)
	}
	return req, nil
}

func (vs VariationSpec) group() (store.Kind, variation.Group, error) {
	if len(vs.Covary) > 0 {
		if len(vs.Path) > 0 || len(vs.Values) > 0 || vs.Distribution != nil {
			return "", nil, fmt.Errorf("a covary group has no path, values or distribution of its own")
		}
		if len(vs.Covary) < 2 {
			return "", nil, fmt.Errorf("covary needs at least two members")
		}
		var kind store.Kind
		members := make(variation.CoVariation, 0, len(vs.Covary))
		for i, m := range vs.Covary {
			if len(m.Covary) > 0 {
				return "", nil, fmt.Errorf("covary member %d: nested covary is not supported", i)
			}
			mk, v, err := m.single()
			if err != nil {
				return "", nil, fmt.Errorf("covary member %d: %w", i, err)
			}
			if i == 0 {
				kind = mk
			} else if mk != kind {
				return "", nil, fmt.Errorf("covary member %d targets %s, group targets %s", i, mk, kind)
			}
			members = append(members, v)
		}
		return kind, members, nil
	}
	kind, v, err := vs.single()
	if err != nil {
		return "", nil, err
	}
	return kind, v, nil
}

func (vs VariationSpec) single() (store.Kind, variation.Variation, error) {
	kind, err := parseTarget(vs.Target)
	if err != nil {
		return "", variation.Variation{}, err
	}
	if len(vs.Path) == 0 {
		return "", variation.Variation{}, fmt.Errorf("path is required")
	}
	addr, err := xmlpath.Parse(vs.Path...)
	if err != nil {
		return "", variation.Variation{}, err
	}

	var domain variation.Domain
	switch {
	case len(vs.Values) > 0 && vs.Distribution != nil:
		return "", variation.Variation{}, fmt.Errorf("values and distribution are mutually exclusive")
	case len(vs.Values) > 0:
		domain = variation.Discrete(vs.Values)
	case vs.Distribution != nil:
		if vs.Draws <= 0 {
			return "", variation.Variation{}, fmt.Errorf("a distribution needs a positive draws count")
		}
		d, err := vs.Distribution.domain()
		if err != nil {
			return "", variation.Variation{}, err
		}
		disc, err := d.Materialize(vs.Draws)
		if err != nil {
			return "", variation.Variation{}, err
		}
		domain = disc
	default:
		return "", variation.Variation{}, fmt.Errorf("either values or distribution is required")
	}
	return kind, variation.Variation{Path: addr, Domain: domain}, nil
}

func (ds DistributionSpec) domain() (variation.Distributed, error) {
	switch variation.DistKind(ds.Kind) {
	case variation.DistUniform:
		return variation.Distributed{Kind: variation.DistUniform, A: ds.Min, B: ds.Max, Seed: ds.Seed}, nil
	case variation.DistNormal:
		return variation.Distributed{Kind: variation.DistNormal, A: ds.Mu, B: ds.Sigma, Seed: ds.Seed}, nil
	case variation.DistLogNormal:
		return variation.Distributed{Kind: variation.DistLogNormal, A: ds.Mu, B: ds.Sigma, Seed: ds.Seed}, nil
	default:
		return variation.Distributed{}, fmt.Errorf("unknown distribution kind %q", ds.Kind)
	}
}

func parseTarget(target string) (store.Kind, error) {
	switch target {
	case "", "config":
		return store.KindConfig, nil
	case "rulesets":
		return store.KindRulesets, nil
	case "ic_cells":
		return store.KindICCells, nil
	case "ic_substrates":
		return store.KindICSubstrates, nil
	default:
		return "", fmt.Errorf("unknown target %q (valid: config, rulesets, ic_cells, ic_substrates)", target)
	}
}
