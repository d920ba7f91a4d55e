// Package store is the persistent, deduplicating mapping from
// value-assignments to stable integer variation ids, plus the simulation
// run records built on top of them. It is the single source of truth for
// what work has already been done; the id spaces it allocates are never
// reused.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownReference is returned when a reference variation id does
	// not exist for the given base.
	ErrUnknownReference = errors.New("unknown reference variation id")

	// ErrSchemaMismatch is returned when an assignment addresses a path
	// that does not resolve against the base's template document.
	ErrSchemaMismatch = errors.New("assignment does not match base template")
)

// ConsistencyError reports a referential-integrity violation detected by
// a store operation. The operation leaves the store unmodified.
type ConsistencyError struct {
	Op     string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("store consistency: %s: %s", e.Op, e.Detail)
}

// Status is the lifecycle state of a simulation record.
// Transitions: pending → running → succeeded | failed. Terminal states
// never transition again; retrying requires new replacement work.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Kind names one of the varied input kinds. Each (kind, base name) pair
// owns its own variation-id space.
type Kind string

const (
	KindConfig       Kind = "config"
	KindRulesets     Kind = "rulesets"
	KindICCells      Kind = "ic_cells"
	KindICSubstrates Kind = "ic_substrates"
)

// Kinds lists the varied input kinds in tuple order.
var Kinds = []Kind{KindConfig, KindRulesets, KindICCells, KindICSubstrates}

// BaseID forms the base identity string for a named input folder of the
// given kind, e.g. "config/default".
func BaseID(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Tuple is the complete variation identity of one simulation: the base
// name and variation id per varied input kind, plus the opaque
// custom-code identity. Simulations with equal tuples are replicates of
// each other.
type Tuple struct {
	ConfigBase       string
	Config           int64
	RulesetsBase     string
	Rulesets         int64
	ICCellsBase      string
	ICCells          int64
	ICSubstratesBase string
	ICSubstrates     int64
	CustomCode       string
}

// Base returns the base identity string for one kind, or "" when that
// kind is not used by this tuple.
func (t Tuple) Base(k Kind) string {
	name := map[Kind]string{
		KindConfig:       t.ConfigBase,
		KindRulesets:     t.RulesetsBase,
		KindICCells:      t.ICCellsBase,
		KindICSubstrates: t.ICSubstratesBase,
	}[k]
	if name == "" {
		return ""
	}
	return BaseID(k, name)
}

// VariationID returns the variation id for one kind.
func (t Tuple) VariationID(k Kind) int64 {
	switch k {
	case KindConfig:
		return t.Config
	case KindRulesets:
		return t.Rulesets
	case KindICCells:
		return t.ICCells
	case KindICSubstrates:
		return t.ICSubstrates
	}
	return 0
}

// MonadKey is the canonical grouping key for replicates: simulations
// share a monad exactly when their tuples are equal.
func (t Tuple) MonadKey() string {
	var b strings.Builder
	for i, k := range Kinds {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%d", t.Base(k), t.VariationID(k))
	}
	fmt.Fprintf(&b, ";custom=%s", t.CustomCode)
	return b.String()
}

// SimulationRecord is one concrete engine invocation.
type SimulationRecord struct {
	ID             int64
	Tuple          Tuple
	ReplicateIndex int64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VariationRow is the stored identity of one minted assignment.
// ReferenceID is the variation id whose assignment was the baseline when
// this row was minted (0 for rows chained directly from the base).
type VariationRow struct {
	ID          int64
	ReferenceID int64
	Key         string
}

// GridPoint is one resolved point of a grid request. New reports whether
// the row was minted by this call; resumed experiments use it to decide
// whether a point needs fresh work.
type GridPoint struct {
	ID  int64
	New bool
}
