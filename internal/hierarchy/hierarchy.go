// Package hierarchy groups recorded simulations into the four-level
// experiment hierarchy: a Simulation is one concrete engine run, a Monad
// is a set of replicate Simulations sharing one variation-id tuple, a
// Sampling spans a grid of tuples with one Monad per tuple, and a Trial
// collects Samplings as study arms.
//
// Hierarchy nodes are views over store records; they reference variation
// ids but never allocate them.
package hierarchy

import (
	"github.com/afischbach/simsweep/internal/store"
)

// Monad is the set of replicate simulations for one tuple.
type Monad struct {
	Tuple       store.Tuple
	Simulations []store.SimulationRecord
}

// MonadOf filters sims down to the members of the tuple's monad, grouped
// by exact tuple equality.
func MonadOf(t store.Tuple, sims []store.SimulationRecord) Monad {
	key := t.MonadKey()
	m := Monad{Tuple: t}
	for _, rec := range sims {
		if rec.Tuple.MonadKey() == key {
			m.Simulations = append(m.Simulations, rec)
		}
	}
	return m
}

// Key returns the monad's canonical grouping key.
func (m Monad) Key() string {
	return m.Tuple.MonadKey()
}

// Succeeded counts the members in the succeeded state.
func (m Monad) Succeeded() int {
	n := 0
	for _, rec := range m.Simulations {
		if rec.Status == store.StatusSucceeded {
			n++
		}
	}
	return n
}

// Deficit computes how many new replicates are needed to satisfy a
// request for n replicates. With usePrevious, completed replicates count
// toward the request and the deficit is never negative: a monad keeps
// all existing members even when fewer are requested than exist. Without
// usePrevious the caller wants n fresh replicates regardless of history.
func (m Monad) Deficit(n int, usePrevious bool) int {
	if !usePrevious {
		return n
	}
	if d := n - m.Succeeded(); d > 0 {
		return d
	}
	return 0
}

// Sampling is a set of monads spanning a requested grid of tuples.
// Monad keys are unique within a sampling.
type Sampling struct {
	Name   string
	Monads []Monad
}

// SamplingOf builds one monad per distinct tuple, deduplicating tuples
// while preserving first-seen order.
func SamplingOf(tuples []store.Tuple, sims []store.SimulationRecord) Sampling {
	var s Sampling
	seen := make(map[string]bool, len(tuples))
	for _, t := range tuples {
		key := t.MonadKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Monads = append(s.Monads, MonadOf(t, sims))
	}
	return s
}

// Trial is a flat grouping of samplings representing cohorts or arms.
type Trial struct {
	Samplings []Sampling
}

// TrialOf groups samplings into a trial. No deduplication is applied
// beyond what SamplingOf already guarantees per arm.
func TrialOf(samplings ...Sampling) Trial {
	return Trial{Samplings: samplings}
}
