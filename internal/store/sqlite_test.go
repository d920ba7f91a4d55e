package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/beevik/etree"

	"github.com/afischbach/simsweep/internal/variation"
	"github.com/afischbach/simsweep/internal/xmlpath"
)

const testBase = "config/default"

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sweep.db"), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func assignment(pairs ...string) variation.Assignment {
	a := make(variation.Assignment)
	for i := 0; i < len(pairs); i += 2 {
		addr, err := xmlpath.ParseString(pairs[i])
		if err != nil {
			panic(err)
		}
		a.Set(addr, pairs[i+1])
	}
	return a
}

func TestResolveIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := assignment("overall/max_time", "120", "overall/dt_diffusion", "0.01")

	id1, minted1, err := s.Resolve(ctx, testBase, a)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !minted1 {
		t.Error("first Resolve() did not mint")
	}
	if id1 != 1 {
		t.Errorf("first minted id = %d, want 1", id1)
	}

	// Same assignment, entries constructed in the opposite order.
	permuted := assignment("overall/dt_diffusion", "0.01", "overall/max_time", "120")
	id2, minted2, err := s.Resolve(ctx, testBase, permuted)
	if err != nil {
		t.Fatalf("Resolve() permuted error = %v", err)
	}
	if minted2 {
		t.Error("second Resolve() minted a duplicate id")
	}
	if id2 != id1 {
		t.Errorf("permuted Resolve() = %d, want %d", id2, id1)
	}
}

func TestResolveInjective(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := make(map[int64]string)
	for i := 0; i < 10; i++ {
		a := assignment("overall/max_time", fmt.Sprintf("%d", 60+i))
		id, _, err := s.Resolve(ctx, testBase, a)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if prev, ok := seen[id]; ok {
			t.Fatalf("assignments %q and %q collided on id %d", prev, a.Key(), id)
		}
		seen[id] = a.Key()
	}
}

func TestResolveInjectiveWithSeparatorValues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// One binding whose value embeds the key serialization's separators
	// must not resolve to the same id as the two bindings it mimics.
	forged := assignment("overall/max_time", "a\x1foverall/dt_diffusion=b")
	genuine := assignment("overall/max_time", "a", "overall/dt_diffusion", "b")

	id1, _, err := s.Resolve(ctx, testBase, forged)
	if err != nil {
		t.Fatalf("Resolve(forged) error = %v", err)
	}
	id2, _, err := s.Resolve(ctx, testBase, genuine)
	if err != nil {
		t.Fatalf("Resolve(genuine) error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("distinct assignments resolved to the same variation id %d", id1)
	}

	// Both survive a round trip through the stored values.
	got, err := s.Assignment(ctx, testBase, id1)
	if err != nil {
		t.Fatalf("Assignment() error = %v", err)
	}
	if got.Key() != forged.Key() {
		t.Errorf("round-tripped key = %q, want %q", got.Key(), forged.Key())
	}
}

func TestResolveGridFreshBaseReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Anchoring at the reserved id 0 works on a base the store has never
	// recorded.
	dt := xmlpath.MustParse("overall", "dt_diffusion")
	points, err := s.ResolveGrid(ctx, "config/fresh",
		[]variation.Group{variation.Variation{Path: dt, Domain: variation.Discrete{"0.01", "0.02"}}},
		0)
	if err != nil {
		t.Fatalf("ResolveGrid() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("ResolveGrid() returned %d points, want 2", len(points))
	}

	rows, err := s.VariationRows(ctx, "config/fresh")
	if err != nil {
		t.Fatalf("VariationRows() error = %v", err)
	}
	found := false
	for _, r := range rows {
		if r.ID == 0 {
			found = true
		}
	}
	if !found {
		t.Error("reserved id 0 row missing after grid resolution")
	}
}

func TestResolveEmptyAssignmentIsReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, minted, err := s.Resolve(ctx, testBase, variation.Assignment{})
	if err != nil {
		t.Fatalf("Resolve(empty) error = %v", err)
	}
	if id != 0 || minted {
		t.Errorf("Resolve(empty) = (%d, %t), want (0, false)", id, minted)
	}
}

func TestResolveIsolatedPerBase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := assignment("overall/max_time", "120")
	id1, _, err := s.Resolve(ctx, "config/default", a)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	id2, minted, err := s.Resolve(ctx, "config/other", a)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !minted {
		t.Error("same assignment under a different base should mint independently")
	}
	if id1 != 1 || id2 != 1 {
		t.Errorf("ids = (%d, %d), want independent id spaces both starting at 1", id1, id2)
	}
}

func TestResolveConcurrentSingleMint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := assignment("overall/max_time", "999")

	const callers = 16
	ids := make([]int64, callers)
	minted := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, m, err := s.Resolve(ctx, testBase, a)
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			ids[i] = id
			minted[i] = m
		}(i)
	}
	wg.Wait()

	mints := 0
	for i := 0; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got id %d, caller 0 got %d", i, ids[i], ids[0])
		}
		if minted[i] {
			mints++
		}
	}
	if mints != 1 {
		t.Errorf("%d callers reported minting, want exactly 1", mints)
	}
}

func TestResolveGridChainsFromReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	maxTime := xmlpath.MustParse("overall", "max_time")
	dt := xmlpath.MustParse("overall", "dt_diffusion")

	// First pick a max_time, then vary dt on top of that choice.
	refID, _, err := s.Resolve(ctx, testBase, assignment("overall/max_time", "120"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	points, err := s.ResolveGrid(ctx, testBase,
		[]variation.Group{variation.Variation{Path: dt, Domain: variation.Discrete{"0.01", "0.02"}}},
		refID)
	if err != nil {
		t.Fatalf("ResolveGrid() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("ResolveGrid() returned %d points, want 2", len(points))
	}
	for i, p := range points {
		if !p.New {
			t.Errorf("point %d not reported as new on first expansion", i)
		}
		a, err := s.Assignment(ctx, testBase, p.ID)
		if err != nil {
			t.Fatalf("Assignment(%d) error = %v", p.ID, err)
		}
		if a[maxTime.String()].Value != "120" {
			t.Errorf("point %d lost the reference's max_time binding: %v", i, a)
		}
		if a[dt.String()].Value == "" {
			t.Errorf("point %d missing dt binding", i)
		}
	}

	// Re-running the same grid is a no-op: same ids, nothing new.
	again, err := s.ResolveGrid(ctx, testBase,
		[]variation.Group{variation.Variation{Path: dt, Domain: variation.Discrete{"0.01", "0.02"}}},
		refID)
	if err != nil {
		t.Fatalf("ResolveGrid() second call error = %v", err)
	}
	for i := range points {
		if again[i].ID != points[i].ID {
			t.Errorf("point %d id changed across resumptions: %d vs %d", i, again[i].ID, points[i].ID)
		}
		if again[i].New {
			t.Errorf("point %d reported new on resumption", i)
		}
	}

	// Reference chain is recorded for the pruner.
	varRows, err := s.VariationRows(ctx, testBase)
	if err != nil {
		t.Fatalf("VariationRows() error = %v", err)
	}
	for _, r := range varRows {
		if r.ID != 0 && r.ID != refID && r.ReferenceID != refID {
			t.Errorf("variation %d has reference %d, want %d", r.ID, r.ReferenceID, refID)
		}
	}
}

func TestResolveGridUnknownReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureBase(ctx, testBase); err != nil {
		t.Fatalf("EnsureBase() error = %v", err)
	}

	dt := xmlpath.MustParse("overall", "dt_diffusion")
	_, err := s.ResolveGrid(ctx, testBase,
		[]variation.Group{variation.Variation{Path: dt, Domain: variation.Discrete{"0.01"}}},
		42)
	if !errors.Is(err, ErrUnknownReference) {
		t.Errorf("ResolveGrid() error = %v, want ErrUnknownReference", err)
	}
}

func TestResolveSchemaMismatch(t *testing.T) {
	templates := func(base string) (*etree.Document, error) {
		doc := etree.NewDocument()
		if err := doc.ReadFromString(`<settings><overall><max_time>60</max_time></overall></settings>`); err != nil {
			return nil, err
		}
		return doc, nil
	}
	s := openTestStore(t, WithTemplates(templates))
	ctx := context.Background()

	if _, _, err := s.Resolve(ctx, testBase, assignment("overall/max_time", "120")); err != nil {
		t.Fatalf("Resolve() of valid path error = %v", err)
	}

	_, _, err := s.Resolve(ctx, testBase, assignment("overall/no_such_node", "1"))
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Resolve() error = %v, want ErrSchemaMismatch", err)
	}

	// The failed mint must not have created partial state.
	varRows, err := s.VariationRows(ctx, testBase)
	if err != nil {
		t.Fatalf("VariationRows() error = %v", err)
	}
	if len(varRows) != 2 { // id 0 plus the one valid mint
		t.Errorf("store has %d variation rows after rejected mint, want 2", len(varRows))
	}
}

func testTuple(configID int64) Tuple {
	return Tuple{ConfigBase: "default", Config: configID, CustomCode: "default"}
}

func TestCreateSimulationReplicateIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tuple := testTuple(1)

	var recs []SimulationRecord
	for i := 0; i < 3; i++ {
		rec, err := s.CreateSimulation(ctx, tuple)
		if err != nil {
			t.Fatalf("CreateSimulation() error = %v", err)
		}
		if rec.ReplicateIndex != int64(i) {
			t.Errorf("replicate index = %d, want %d", rec.ReplicateIndex, i)
		}
		if rec.Status != StatusPending {
			t.Errorf("new simulation status = %q, want pending", rec.Status)
		}
		recs = append(recs, rec)
	}

	// Deleting a replicate must not free its index.
	if err := s.DeleteSimulations(ctx, []int64{recs[2].ID}); err != nil {
		t.Fatalf("DeleteSimulations() error = %v", err)
	}
	rec, err := s.CreateSimulation(ctx, tuple)
	if err != nil {
		t.Fatalf("CreateSimulation() after delete error = %v", err)
	}
	if rec.ReplicateIndex != 3 {
		t.Errorf("replicate index after prune = %d, want 3 (never reused)", rec.ReplicateIndex)
	}

	// A different tuple gets its own index sequence.
	other, err := s.CreateSimulation(ctx, testTuple(2))
	if err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	if other.ReplicateIndex != 0 {
		t.Errorf("other monad's first index = %d, want 0", other.ReplicateIndex)
	}
}

func TestTransitionStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateSimulation(ctx, testTuple(1))
	if err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	if err := s.TransitionStatus(ctx, rec.ID, StatusRunning); err != nil {
		t.Fatalf("pending→running error = %v", err)
	}
	if err := s.TransitionStatus(ctx, rec.ID, StatusSucceeded); err != nil {
		t.Fatalf("running→succeeded error = %v", err)
	}

	// Terminal states admit no further transitions.
	var ce *ConsistencyError
	if err := s.TransitionStatus(ctx, rec.ID, StatusFailed); !errors.As(err, &ce) {
		t.Errorf("succeeded→failed error = %v, want *ConsistencyError", err)
	}
	if err := s.TransitionStatus(ctx, rec.ID, StatusRunning); !errors.As(err, &ce) {
		t.Errorf("succeeded→running error = %v, want *ConsistencyError", err)
	}

	got, err := s.Simulation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Simulation() error = %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status after rejected transitions = %q, want succeeded", got.Status)
	}

	// Skipping running is also rejected.
	rec2, err := s.CreateSimulation(ctx, testTuple(1))
	if err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	if err := s.TransitionStatus(ctx, rec2.ID, StatusSucceeded); !errors.As(err, &ce) {
		t.Errorf("pending→succeeded error = %v, want *ConsistencyError", err)
	}
}

func TestDeleteVariationsGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	refID, _, err := s.Resolve(ctx, testBase, assignment("overall/max_time", "120"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	dt := xmlpath.MustParse("overall", "dt_diffusion")
	points, err := s.ResolveGrid(ctx, testBase,
		[]variation.Group{variation.Variation{Path: dt, Domain: variation.Discrete{"0.01"}}},
		refID)
	if err != nil {
		t.Fatalf("ResolveGrid() error = %v", err)
	}

	// refID is only referenced as a reference; deleting it while its
	// dependent survives must fail and delete nothing.
	var ce *ConsistencyError
	if err := s.DeleteVariations(ctx, testBase, []int64{refID}); !errors.As(err, &ce) {
		t.Fatalf("DeleteVariations(ref) error = %v, want *ConsistencyError", err)
	}
	varRows, err := s.VariationRows(ctx, testBase)
	if err != nil {
		t.Fatalf("VariationRows() error = %v", err)
	}
	if len(varRows) != 3 {
		t.Errorf("rows after refused delete = %d, want 3", len(varRows))
	}

	// The reserved id 0 row is never deletable.
	if err := s.DeleteVariations(ctx, testBase, []int64{0}); !errors.As(err, &ce) {
		t.Errorf("DeleteVariations(0) error = %v, want *ConsistencyError", err)
	}

	// A variation used by a recorded simulation is protected.
	tuple := Tuple{ConfigBase: "default", Config: points[0].ID}
	if _, err := s.CreateSimulation(ctx, tuple); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	if err := s.DeleteVariations(ctx, testBase, []int64{points[0].ID}); !errors.As(err, &ce) {
		t.Errorf("DeleteVariations(in use) error = %v, want *ConsistencyError", err)
	}

	// Deleting the dependent chain leaf-first succeeds once nothing uses it.
	sims, err := s.Simulations(ctx)
	if err != nil {
		t.Fatalf("Simulations() error = %v", err)
	}
	var ids []int64
	for _, rec := range sims {
		ids = append(ids, rec.ID)
	}
	if err := s.DeleteSimulations(ctx, ids); err != nil {
		t.Fatalf("DeleteSimulations() error = %v", err)
	}
	if err := s.DeleteVariations(ctx, testBase, []int64{points[0].ID}); err != nil {
		t.Fatalf("DeleteVariations(leaf) error = %v", err)
	}
	if err := s.DeleteVariations(ctx, testBase, []int64{refID}); err != nil {
		t.Fatalf("DeleteVariations(ref after leaf) error = %v", err)
	}
}

func TestMonadKey(t *testing.T) {
	a := Tuple{ConfigBase: "default", Config: 3, RulesetsBase: "base", Rulesets: 1, CustomCode: "cc"}
	b := a
	if a.MonadKey() != b.MonadKey() {
		t.Error("equal tuples produced different monad keys")
	}
	c := a
	c.Config = 4
	if a.MonadKey() == c.MonadKey() {
		t.Error("distinct tuples produced the same monad key")
	}
}

func TestBases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureBase(ctx, "config/a"); err != nil {
		t.Fatalf("EnsureBase() error = %v", err)
	}
	if err := s.EnsureBase(ctx, "rulesets/b"); err != nil {
		t.Fatalf("EnsureBase() error = %v", err)
	}
	bases, err := s.Bases(ctx)
	if err != nil {
		t.Fatalf("Bases() error = %v", err)
	}
	if len(bases) != 2 || bases[0] != "config/a" || bases[1] != "rulesets/b" {
		t.Errorf("Bases() = %v, want [config/a rulesets/b]", bases)
	}
}
