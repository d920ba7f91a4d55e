// Package prune reconciles the persistent store against the filesystem:
// simulation rows whose output folder is gone are removed, folders with
// no surviving row are removed, and variation rows referenced by nothing
// are removed. The two stores end up mutually consistent.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/afischbach/simsweep/internal/project"
	"github.com/afischbach/simsweep/internal/store"
)

// Report summarizes one prune pass.
type Report struct {
	SimulationRowsRemoved int
	FoldersRemoved        int
	VariationRowsRemoved  int
}

// Pruner removes orphans symmetrically from the store and the outputs
// tree. It never removes a variation id that is still referenced, either
// by a recorded simulation or as another live row's reference.
type Pruner struct {
	Store  *store.Store
	Layout project.Layout
	Log    *slog.Logger
}

// Prune runs one reconciliation pass.
func (p *Pruner) Prune(ctx context.Context) (*Report, error) {
	report := &Report{}

	sims, err := p.Store.Simulations(ctx)
	if err != nil {
		return nil, err
	}

	// Rows whose folder vanished are orphaned records.
	var doomedRows []int64
	surviving := make(map[int64]bool, len(sims))
	for _, rec := range sims {
		if _, err := os.Stat(p.Layout.SimulationDir(rec.ID)); os.IsNotExist(err) {
			doomedRows = append(doomedRows, rec.ID)
			continue
		} else if err != nil {
			return nil, err
		}
		surviving[rec.ID] = true
	}
	if err := p.Store.DeleteSimulations(ctx, doomedRows); err != nil {
		return nil, err
	}
	report.SimulationRowsRemoved = len(doomedRows)
	for _, id := range doomedRows {
		p.Log.Debug("removed orphaned simulation row", "simulation", id)
	}

	// Folders with no surviving row are orphaned artifacts.
	entries, err := os.ReadDir(p.Layout.OutputsDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			// Foreign folders under the outputs root are left alone.
			continue
		}
		if surviving[id] {
			continue
		}
		if err := os.RemoveAll(p.Layout.SimulationDir(id)); err != nil {
			return nil, fmt.Errorf("failed to remove orphaned folder %d: %w", id, err)
		}
		report.FoldersRemoved++
		p.Log.Debug("removed orphaned simulation folder", "simulation", id)
	}

	// Variation rows referenced by no simulation and by no live row's
	// reference chain are orphans.
	bases, err := p.Store.Bases(ctx)
	if err != nil {
		return nil, err
	}
	for _, base := range bases {
		removed, err := p.pruneBase(ctx, base)
		if err != nil {
			return nil, err
		}
		report.VariationRowsRemoved += removed
	}
	return report, nil
}

func (p *Pruner) pruneBase(ctx context.Context, base string) (int, error) {
	rows, err := p.Store.VariationRows(ctx, base)
	if err != nil {
		return 0, err
	}
	referenced, err := p.Store.ReferencedVariationIDs(ctx, base)
	if err != nil {
		return 0, err
	}

	refOf := make(map[int64]int64, len(rows))
	for _, r := range rows {
		refOf[r.ID] = r.ReferenceID
	}

	// Keep id 0, every directly used id, and the transitive closure of
	// their reference chains.
	keep := map[int64]bool{0: true}
	var walk func(id int64)
	walk = func(id int64) {
		if keep[id] {
			return
		}
		keep[id] = true
		if ref, ok := refOf[id]; ok {
			walk(ref)
		}
	}
	for id := range referenced {
		walk(id)
	}

	var doomed []int64
	for _, r := range rows {
		if !keep[r.ID] {
			doomed = append(doomed, r.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := p.Store.DeleteVariations(ctx, base, doomed); err != nil {
		return 0, err
	}
	p.Log.Debug("removed orphaned variation rows", "base", base, "count", len(doomed))
	return len(doomed), nil
}
