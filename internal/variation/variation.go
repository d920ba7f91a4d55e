// Package variation models mutable simulation parameters and expands
// requested parameter changes into concrete value-assignments.
//
// A Variation pairs an xmlpath.Address with a Domain of candidate values.
// Domains are either discrete (explicit ordered values) or distributed
// (a sampling distribution with a deterministic per-index draw contract).
package variation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/afischbach/simsweep/internal/xmlpath"
)

var (
	// ErrDomainLengthMismatch is returned when covariation members have
	// domains of unequal length.
	ErrDomainLengthMismatch = errors.New("covariation domains differ in length")

	// ErrUnboundedDomain is returned when a grid or covariation expansion
	// is attempted over a distributed domain that has not been
	// materialized to a finite number of draws.
	ErrUnboundedDomain = errors.New("unbounded domain in finite expansion")

	// ErrPathConflict is returned when the same address is varied by more
	// than one group in a single expansion.
	ErrPathConflict = errors.New("address varied by multiple groups")
)

// Domain produces candidate values for a single varied parameter.
// Len returns the number of values, or -1 when the domain is unbounded
// (a continuous distribution). Value(i) is total for 0 <= i < Len() and,
// for unbounded domains, for every i >= 0; a fixed i always yields the
// same value.
type Domain interface {
	Len() int
	Value(i int) (string, error)
}

// Discrete is an explicit, order-significant sequence of values.
type Discrete []string

func (d Discrete) Len() int { return len(d) }

func (d Discrete) Value(i int) (string, error) {
	if i < 0 || i >= len(d) {
		return "", fmt.Errorf("discrete domain: index %d out of range [0,%d)", i, len(d))
	}
	return d[i], nil
}

// DistKind names a supported sampling distribution.
type DistKind string

const (
	DistUniform   DistKind = "uniform"
	DistNormal    DistKind = "normal"
	DistLogNormal DistKind = "lognormal"
)

// Distributed draws values from a continuous distribution. Draw i is a
// quantile transform of a uniform variate from a source seeded by
// (Seed, i), so restarting with the same seed and index reproduces the
// same value; new draws only ever append, never renumber prior ones.
//
// Parameter meaning by kind: uniform uses A=min B=max; normal and
// lognormal use A=mu B=sigma.
type Distributed struct {
	Kind DistKind
	A, B float64
	Seed uint64
}

func (d Distributed) Len() int { return -1 }

func (d Distributed) Value(i int) (string, error) {
	if i < 0 {
		return "", fmt.Errorf("distributed domain: negative index %d", i)
	}
	q, err := d.quantiler()
	if err != nil {
		return "", err
	}
	u := rand.New(rand.NewSource(mix(d.Seed, uint64(i)))).Float64()
	return formatValue(q.Quantile(u)), nil
}

type quantiler interface {
	Quantile(p float64) float64
}

func (d Distributed) quantiler() (quantiler, error) {
	switch d.Kind {
	case DistUniform:
		if d.B < d.A {
			return nil, fmt.Errorf("uniform distribution: max %v < min %v", d.B, d.A)
		}
		return distuv.Uniform{Min: d.A, Max: d.B}, nil
	case DistNormal:
		if d.B <= 0 {
			return nil, fmt.Errorf("normal distribution: sigma %v must be positive", d.B)
		}
		return distuv.Normal{Mu: d.A, Sigma: d.B}, nil
	case DistLogNormal:
		if d.B <= 0 {
			return nil, fmt.Errorf("lognormal distribution: sigma %v must be positive", d.B)
		}
		return distuv.LogNormal{Mu: d.A, Sigma: d.B}, nil
	default:
		return nil, fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
}

// Materialize fixes the first n draws as a discrete domain so the
// distribution can participate in grid and covariation expansion.
func (d Distributed) Materialize(n int) (Discrete, error) {
	values, err := ExpandDistributed(d, n)
	if err != nil {
		return nil, err
	}
	return Discrete(values), nil
}

// ExpandDistributed produces the first n draws of d. The sequence is
// restartable: ExpandDistributed(d, m) for m > n begins with the exact
// values of ExpandDistributed(d, n).
func ExpandDistributed(d Distributed, n int) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("expand distributed: negative draw count %d", n)
	}
	values := make([]string, n)
	for i := range values {
		v, err := d.Value(i)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// mix combines a seed and a draw index into an independent stream seed
// (splitmix64 finalizer).
func mix(seed, i uint64) uint64 {
	z := seed + 0x9e3779b97f4a7c15*(i+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Variation is one varied parameter: an address into the configuration
// document plus its value domain.
type Variation struct {
	Path   xmlpath.Address
	Domain Domain
}

// Entry is a single concrete path-to-value binding.
type Entry struct {
	Path  xmlpath.Address
	Value string
}

// Assignment maps addresses (by their canonical string) to concrete
// values. Two assignments built in different insertion orders compare
// equal through Key.
type Assignment map[string]Entry

// Set binds path to value, replacing any prior binding of the same path.
func (a Assignment) Set(path xmlpath.Address, value string) {
	a[path.String()] = Entry{Path: path, Value: value}
}

// Merge layers overlay on top of base: overlay bindings win, base
// bindings without an overlay counterpart are preserved. Neither input
// is modified.
func Merge(base, overlay Assignment) Assignment {
	merged := make(Assignment, len(base)+len(overlay))
	for k, e := range base {
		merged[k] = e
	}
	for k, e := range overlay {
		merged[k] = e
	}
	return merged
}

// Entries returns the bindings sorted by canonical path string.
func (a Assignment) Entries() []Entry {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = a[k]
	}
	return entries
}

// keyEscaper percent-encodes the pair and entry separators, and the
// escape character itself, so the serialization stays injective when a
// path or value contains them.
var keyEscaper = strings.NewReplacer("%", "%25", "=", "%3D", "\x1f", "%1F")

// Key returns the canonical lookup key for the assignment: sorted
// "path=value" pairs joined by the unit separator, with both halves
// escaped. The empty assignment has the empty key (the "unchanged from
// base" reference).
func (a Assignment) Key() string {
	entries := a.Entries()
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = keyEscaper.Replace(e.Path.String()) + "=" + keyEscaper.Replace(e.Value)
	}
	return strings.Join(parts, "\x1f")
}

// Group resolves to an ordered, finite list of assignments. A lone
// Variation is a group over its own domain; a CoVariation zips several
// variations in lockstep.
type Group interface {
	Assignments() ([]Assignment, error)
}

// Assignments enumerates the variation's domain in order, one
// single-entry assignment per value.
func (v Variation) Assignments() ([]Assignment, error) {
	n := v.Domain.Len()
	if n < 0 {
		return nil, fmt.Errorf("variation %q: %w", v.Path, ErrUnboundedDomain)
	}
	out := make([]Assignment, n)
	for i := 0; i < n; i++ {
		val, err := v.Domain.Value(i)
		if err != nil {
			return nil, fmt.Errorf("variation %q: %w", v.Path, err)
		}
		a := make(Assignment, 1)
		a.Set(v.Path, val)
		out[i] = a
	}
	return out, nil
}

// CoVariation ties member variations to change in lockstep: assignment i
// binds every member's path to its domain value i. All member domains
// must have equal, finite length.
type CoVariation []Variation

// Assignments zips the member domains index by index.
func (c CoVariation) Assignments() ([]Assignment, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("covariation: no members")
	}
	n := c[0].Domain.Len()
	for _, v := range c {
		m := v.Domain.Len()
		if m < 0 {
			return nil, fmt.Errorf("covariation member %q: %w", v.Path, ErrUnboundedDomain)
		}
		if m != n {
			return nil, fmt.Errorf("covariation member %q has %d values, first member has %d: %w",
				v.Path, m, n, ErrDomainLengthMismatch)
		}
	}
	out := make([]Assignment, n)
	for i := 0; i < n; i++ {
		a := make(Assignment, len(c))
		for _, v := range c {
			val, err := v.Domain.Value(i)
			if err != nil {
				return nil, fmt.Errorf("covariation member %q: %w", v.Path, err)
			}
			a.Set(v.Path, val)
		}
		out[i] = a
	}
	return out, nil
}

// ExpandGrid takes the Cartesian product across groups in the order they
// are supplied: the first group is the outermost, slowest-varying loop.
// Re-running with the same groups yields identical assignments in the
// same order. An address varied by more than one group is rejected.
func ExpandGrid(groups ...Group) ([]Assignment, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	lists := make([][]Assignment, len(groups))
	for i, g := range groups {
		as, err := g.Assignments()
		if err != nil {
			return nil, err
		}
		if len(as) == 0 {
			return nil, fmt.Errorf("grid group %d produced no assignments", i)
		}
		lists[i] = as
	}

	seen := make(map[string]int)
	for i, as := range lists {
		for k := range as[0] {
			if prev, ok := seen[k]; ok {
				return nil, fmt.Errorf("address %q in groups %d and %d: %w", k, prev, i, ErrPathConflict)
			}
			seen[k] = i
		}
	}

	total := 1
	for _, as := range lists {
		total *= len(as)
	}
	out := make([]Assignment, 0, total)
	idx := make([]int, len(lists))
	for {
		merged := make(Assignment)
		for gi, as := range lists {
			merged = Merge(merged, as[idx[gi]])
		}
		out = append(out, merged)

		// Advance the last (fastest-varying) group first.
		gi := len(idx) - 1
		for gi >= 0 {
			idx[gi]++
			if idx[gi] < len(lists[gi]) {
				break
			}
			idx[gi] = 0
			gi--
		}
		if gi < 0 {
			return out, nil
		}
	}
}
