package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/sync/errgroup"

	"github.com/afischbach/simsweep/internal/hierarchy"
	"github.com/afischbach/simsweep/internal/logging"
	"github.com/afischbach/simsweep/internal/project"
	"github.com/afischbach/simsweep/internal/store"
	"github.com/afischbach/simsweep/internal/variation"
	"github.com/afischbach/simsweep/internal/xmlpath"
)

// Arm is one sampling arm of a request: variation groups per varied
// input kind, each optionally anchored at a reference variation id whose
// recorded assignment is merged under the grid's changes.
type Arm struct {
	Name      string
	Groups    map[store.Kind][]variation.Group
	Reference map[store.Kind]int64
}

// Request is the caller surface: base inputs, sampling arms, a replicate
// count, and whether previously completed replicates satisfy it.
type Request struct {
	Base        project.BaseInputs
	Arms        []Arm
	Replicates  int
	UsePrevious bool
}

// Failure references one failed simulation with its diagnostic error.
type Failure struct {
	SimulationID int64
	Err          error
}

// Report is the aggregate outcome of a run. Trial is the resulting
// hierarchy view: with UsePrevious it includes prior members, without it
// only the simulations created by this call.
type Report struct {
	Attempted int
	Succeeded int
	Failures  []Failure
	Trial     hierarchy.Trial
}

// Coordinator diffs replicate requests against the store, launches only
// the deficit, and records completion. Engine invocations run
// concurrently up to Parallelism; all store mutations stay behind the
// store's own critical section.
type Coordinator struct {
	Store       *store.Store
	Layout      project.Layout
	Engine      Engine
	Parallelism int
	Log         *slog.Logger
	RunLog      *logging.RunLogger
}

// Run satisfies a request. Identity and domain errors surface
// immediately before any engine launch; per-simulation engine failures
// are collected into the report and do not abort sibling work.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Replicates <= 0 {
		return nil, fmt.Errorf("replicate count must be positive, got %d", req.Replicates)
	}
	if err := req.Base.Validate(c.Layout); err != nil {
		return nil, err
	}
	arms := req.Arms
	if len(arms) == 0 {
		arms = []Arm{{Name: "default"}}
	}

	// Resolve every arm to its tuple grid up front: domain errors reject
	// the whole request before any work is launched.
	armTuples := make([][]store.Tuple, len(arms))
	for i, arm := range arms {
		tuples, err := c.expandArm(ctx, req.Base, arm)
		if err != nil {
			return nil, fmt.Errorf("arm %q: %w", armName(arm, i), err)
		}
		armTuples[i] = tuples
	}

	existing, err := c.Store.Simulations(ctx)
	if err != nil {
		return nil, err
	}

	var newSims []store.SimulationRecord
	for i, tuples := range armTuples {
		sampling := hierarchy.SamplingOf(tuples, existing)
		for _, monad := range sampling.Monads {
			deficit := monad.Deficit(req.Replicates, req.UsePrevious)
			c.Log.Debug("replicate deficit computed",
				"arm", armName(arms[i], i),
				"monad", monad.Key(),
				"existing", len(monad.Simulations),
				"deficit", deficit)
			for r := 0; r < deficit; r++ {
				rec, err := c.Store.CreateSimulation(ctx, monad.Tuple)
				if err != nil {
					return nil, err
				}
				newSims = append(newSims, rec)
			}
		}
	}

	report := &Report{Attempted: len(newSims)}
	var mu sync.Mutex

	limit := c.Parallelism
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, rec := range newSims {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				report.Failures = append(report.Failures, Failure{SimulationID: rec.ID, Err: err})
				mu.Unlock()
				return nil
			}
			if err := c.runOne(ctx, rec); err != nil {
				mu.Lock()
				report.Failures = append(report.Failures, Failure{SimulationID: rec.ID, Err: err})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are collected in the report

	report.Trial, err = c.trialView(ctx, arms, armTuples, newSims, req.UsePrevious)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// expandArm resolves one arm's per-kind variation groups to variation
// ids and takes the product across kinds in tuple order, the config kind
// varying slowest.
func (c *Coordinator) expandArm(ctx context.Context, base project.BaseInputs, arm Arm) ([]store.Tuple, error) {
	idsByKind := make(map[store.Kind][]int64, len(store.Kinds))
	for _, kind := range store.Kinds {
		name := base.Name(kind)
		groups := arm.Groups[kind]
		if name == "" {
			if len(groups) > 0 {
				return nil, fmt.Errorf("%s variations requested but no %s base input named", kind, kind)
			}
			idsByKind[kind] = []int64{0}
			continue
		}
		baseID := store.BaseID(kind, name)
		ref := arm.Reference[kind]
		if len(groups) == 0 {
			if ref == 0 {
				if err := c.Store.EnsureBase(ctx, baseID); err != nil {
					return nil, err
				}
			} else if _, err := c.Store.Assignment(ctx, baseID, ref); err != nil {
				return nil, err
			}
			idsByKind[kind] = []int64{ref}
			continue
		}
		points, err := c.Store.ResolveGrid(ctx, baseID, groups, ref)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(points))
		for i, p := range points {
			ids[i] = p.ID
		}
		idsByKind[kind] = ids
	}

	tuples := []map[store.Kind]int64{{}}
	for _, kind := range store.Kinds {
		var next []map[store.Kind]int64
		for _, partial := range tuples {
			for _, id := range idsByKind[kind] {
				ext := make(map[store.Kind]int64, len(partial)+1)
				for k, v := range partial {
					ext[k] = v
				}
				ext[kind] = id
				next = append(next, ext)
			}
		}
		tuples = next
	}

	out := make([]store.Tuple, len(tuples))
	for i, ids := range tuples {
		out[i] = base.Tuple(ids)
	}
	return out, nil
}

// runOne drives a single simulation from pending to a terminal state.
func (c *Coordinator) runOne(ctx context.Context, rec store.SimulationRecord) error {
	log := c.Log.With("simulation", rec.ID, "monad", rec.Tuple.MonadKey(), "replicate", rec.ReplicateIndex)
	start := time.Now()

	if err := c.Store.TransitionStatus(ctx, rec.ID, store.StatusRunning); err != nil {
		return err
	}

	fail := func(err error) error {
		if terr := c.Store.TransitionStatus(ctx, rec.ID, store.StatusFailed); terr != nil {
			log.Error("failed to record failure", "error", terr)
		}
		c.RunLog.Record(logging.RunEvent{
			SimulationID: rec.ID,
			Monad:        rec.Tuple.MonadKey(),
			Status:       string(store.StatusFailed),
			Duration:     time.Since(start),
			Error:        err.Error(),
		})
		log.Warn("simulation failed", "error", err)
		return err
	}

	inputDir, outputDir, err := c.materialize(ctx, rec)
	if err != nil {
		return fail(err)
	}

	log.Debug("launching engine", "input", inputDir, "output", outputDir)
	res, err := c.Engine.Run(ctx, inputDir, outputDir)
	if err != nil {
		return fail(err)
	}
	if res.ExitCode != 0 {
		return fail(&EngineError{
			SimulationID: rec.ID,
			ExitCode:     res.ExitCode,
			Stderr:       res.Stderr,
			ErrFile:      res.ErrFile,
			LogFile:      res.LogFile,
		})
	}

	if err := c.Store.TransitionStatus(ctx, rec.ID, store.StatusSucceeded); err != nil {
		return err
	}
	c.RunLog.Record(logging.RunEvent{
		SimulationID: rec.ID,
		Monad:        rec.Tuple.MonadKey(),
		Status:       string(store.StatusSucceeded),
		Duration:     time.Since(start),
	})
	log.Info("simulation succeeded", "duration", time.Since(start))
	return nil
}

// materialize builds the simulation's input folder: each named base
// folder is copied under the input dir, then the varied XML documents
// get their assignment values substituted in place.
func (c *Coordinator) materialize(ctx context.Context, rec store.SimulationRecord) (inputDir, outputDir string, err error) {
	inputDir = c.Layout.SimulationInputDir(rec.ID)
	outputDir = c.Layout.SimulationOutputDir(rec.ID)
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", "", err
		}
	}

	for _, kind := range store.Kinds {
		base := rec.Tuple.Base(kind)
		if base == "" {
			continue
		}
		_, name, err := project.SplitBase(base)
		if err != nil {
			return "", "", err
		}
		dst := filepath.Join(inputDir, string(kind))
		if err := os.CopyFS(dst, os.DirFS(c.Layout.InputDir(kind, name))); err != nil {
			return "", "", fmt.Errorf("failed to stage %s inputs: %w", kind, err)
		}
		id := rec.Tuple.VariationID(kind)
		if id == 0 {
			continue
		}
		if err := c.substitute(ctx, base, id, filepath.Join(dst, templateFile(kind))); err != nil {
			return "", "", err
		}
	}

	if cc := rec.Tuple.CustomCode; cc != "" {
		dst := filepath.Join(inputDir, "custom")
		if err := os.CopyFS(dst, os.DirFS(c.Layout.CustomDir(cc))); err != nil {
			return "", "", fmt.Errorf("failed to stage custom code: %w", err)
		}
	}
	return inputDir, outputDir, nil
}

// substitute resolves the variation id back to concrete values and
// writes them into the staged XML document.
func (c *Coordinator) substitute(ctx context.Context, base string, id int64, path string) error {
	assign, err := c.Store.Assignment(ctx, base, id)
	if err != nil {
		return err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return fmt.Errorf("failed to read staged document: %w", err)
	}
	for _, e := range assign.Entries() {
		if err := xmlpath.Apply(doc, e.Path, e.Value); err != nil {
			return fmt.Errorf("base %q variation %d: %w", base, id, err)
		}
	}
	if err := doc.WriteToFile(path); err != nil {
		return fmt.Errorf("failed to write staged document: %w", err)
	}
	return nil
}

// trialView rebuilds the hierarchy from fresh store records so the
// report reflects terminal statuses.
func (c *Coordinator) trialView(ctx context.Context, arms []Arm, armTuples [][]store.Tuple, newSims []store.SimulationRecord, usePrevious bool) (hierarchy.Trial, error) {
	sims, err := c.Store.Simulations(ctx)
	if err != nil {
		return hierarchy.Trial{}, err
	}
	if !usePrevious {
		created := make(map[int64]bool, len(newSims))
		for _, rec := range newSims {
			created[rec.ID] = true
		}
		var only []store.SimulationRecord
		for _, rec := range sims {
			if created[rec.ID] {
				only = append(only, rec)
			}
		}
		sims = only
	}
	samplings := make([]hierarchy.Sampling, len(arms))
	for i := range arms {
		samplings[i] = hierarchy.SamplingOf(armTuples[i], sims)
		samplings[i].Name = armName(arms[i], i)
	}
	return hierarchy.TrialOf(samplings...), nil
}

func armName(a Arm, i int) string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("arm-%d", i)
}

func templateFile(kind store.Kind) string {
	switch kind {
	case store.KindConfig:
		return project.ConfigFileName
	case store.KindRulesets:
		return project.RulesFileName
	case store.KindICCells:
		return project.ICCellsFileName
	case store.KindICSubstrates:
		return project.ICSubstratesFileName
	}
	return ""
}
