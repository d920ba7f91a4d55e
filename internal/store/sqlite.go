package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/etree"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/afischbach/simsweep/internal/variation"
	"github.com/afischbach/simsweep/internal/xmlpath"
)

// TemplateFunc loads the template document for a base identity so newly
// minted assignments can be validated against the base's document shape.
type TemplateFunc func(base string) (*etree.Document, error)

// Store is a SQLite-backed variation and simulation store. All minting
// goes through a single critical section per process; the
// UNIQUE(base, canonical_key) constraint backs the insert-or-select so
// concurrent minting of the same unseen assignment yields exactly one id.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	templates TemplateFunc
}

// Option configures a Store.
type Option func(*Store)

// WithTemplates installs a template loader used to validate assignment
// paths when minting new variation rows.
func WithTemplates(fn TemplateFunc) Option {
	return func(s *Store) { s.templates = fn }
}

// Open opens (creating if necessary) the store database at path.
func Open(path string, opts ...Option) (*Store, error) {
	// _txlock=immediate takes the write lock at BEGIN, so a concurrent
	// writer from another process waits on busy_timeout instead of
	// failing the lock upgrade mid-transaction.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ensureBase inserts the reserved variation_id = 0 row for base if it
// does not exist yet.
func ensureBase(ctx context.Context, tx *sql.Tx, base string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO variations (base, variation_id, reference_id, canonical_key, created_at)
		 VALUES (?, 0, 0, '', ?)`, base, now())
	if err != nil {
		return fmt.Errorf("failed to ensure base %q: %w", base, err)
	}
	return nil
}

// EnsureBase makes the base known to the store, creating its reserved
// id-0 row if needed.
func (s *Store) EnsureBase(ctx context.Context, base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureBase(ctx, tx, base); err != nil {
		return err
	}
	return tx.Commit()
}

// Resolve maps a value-assignment for the given base to its stable
// variation id, minting a new id only for unseen assignments. The second
// return value reports whether the id was minted by this call. Calling
// Resolve twice with the same canonical assignment always yields the
// same id, regardless of entry insertion order.
func (s *Store) Resolve(ctx context.Context, base string, a variation.Assignment) (int64, bool, error) {
	return s.resolve(ctx, base, a, 0)
}

func (s *Store) resolve(ctx context.Context, base string, a variation.Assignment, refID int64) (int64, bool, error) {
	key := a.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	if err := ensureBase(ctx, tx, base); err != nil {
		return 0, false, err
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT variation_id FROM variations WHERE base = ? AND canonical_key = ?`,
		base, key).Scan(&id)
	switch {
	case err == nil:
		return id, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("failed to look up assignment: %w", err)
	}

	// Unseen assignment: validate against the base template, then mint
	// the next unused id.
	if s.templates != nil {
		if err := s.validate(base, a); err != nil {
			return 0, false, err
		}
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(variation_id), -1) + 1 FROM variations WHERE base = ?`,
		base).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("failed to allocate variation id: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO variations (base, variation_id, reference_id, canonical_key, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (base, canonical_key) DO NOTHING`,
		base, next, refID, key, now())
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert variation row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the insert-or-select race to another writer; adopt its id.
		if err := tx.QueryRowContext(ctx,
			`SELECT variation_id FROM variations WHERE base = ? AND canonical_key = ?`,
			base, key).Scan(&id); err != nil {
			return 0, false, fmt.Errorf("failed to re-select after conflict: %w", err)
		}
		return id, false, tx.Commit()
	}

	for _, e := range a.Entries() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variation_values (base, variation_id, path, value) VALUES (?, ?, ?, ?)`,
			base, next, e.Path.String(), e.Value); err != nil {
			return 0, false, fmt.Errorf("failed to insert variation value: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (s *Store) validate(base string, a variation.Assignment) error {
	doc, err := s.templates(base)
	if err != nil {
		return fmt.Errorf("%w: base %q: %v", ErrSchemaMismatch, base, err)
	}
	for _, e := range a.Entries() {
		if _, err := xmlpath.Resolve(doc, e.Path); err != nil {
			return fmt.Errorf("%w: base %q: %v", ErrSchemaMismatch, base, err)
		}
	}
	return nil
}

// Assignment reconstructs the stored value-assignment for a variation id.
// It returns ErrUnknownReference when the id does not exist for the base.
func (s *Store) Assignment(ctx context.Context, base string, id int64) (variation.Assignment, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_key FROM variations WHERE base = ? AND variation_id = ?`,
		base, id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: base %q id %d", ErrUnknownReference, base, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up variation %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value FROM variation_values WHERE base = ? AND variation_id = ?`,
		base, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load variation values: %w", err)
	}
	defer rows.Close()

	a := make(variation.Assignment)
	for rows.Next() {
		var pathStr, value string
		if err := rows.Scan(&pathStr, &value); err != nil {
			return nil, err
		}
		addr, err := xmlpath.ParseString(pathStr)
		if err != nil {
			return nil, fmt.Errorf("stored path %q: %w", pathStr, err)
		}
		a.Set(addr, value)
	}
	return a, rows.Err()
}

// ResolveGrid resolves every point of a grid expansion, with each point's
// assignment merged on top of the assignment already recorded for the
// reference variation id. Varying a second parameter while a first
// parameter's chosen value is held fixed therefore chains from the
// reference, not from the unconditioned base.
func (s *Store) ResolveGrid(ctx context.Context, base string, groups []variation.Group, refID int64) ([]GridPoint, error) {
	// Id 0 is reserved for every base, including bases the store has not
	// recorded yet.
	if refID == 0 {
		if err := s.EnsureBase(ctx, base); err != nil {
			return nil, err
		}
	}
	refAssign, err := s.Assignment(ctx, base, refID)
	if err != nil {
		return nil, err
	}
	assignments, err := variation.ExpandGrid(groups...)
	if err != nil {
		return nil, err
	}
	points := make([]GridPoint, 0, len(assignments))
	for _, a := range assignments {
		merged := variation.Merge(refAssign, a)
		id, minted, err := s.resolve(ctx, base, merged, refID)
		if err != nil {
			return nil, err
		}
		points = append(points, GridPoint{ID: id, New: minted})
	}
	return points, nil
}

// VariationRows lists all variation rows for a base.
func (s *Store) VariationRows(ctx context.Context, base string) ([]VariationRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variation_id, reference_id, canonical_key FROM variations WHERE base = ? ORDER BY variation_id`,
		base)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VariationRow
	for rows.Next() {
		var r VariationRow
		if err := rows.Scan(&r.ID, &r.ReferenceID, &r.Key); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Bases lists all base identities known to the store.
func (s *Store) Bases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT base FROM variations ORDER BY base`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteVariations removes the given variation rows for a base. The
// reserved id 0 is never deleted. The call fails with *ConsistencyError
// and deletes nothing if any doomed row is still referenced by a
// surviving variation row or by a recorded simulation.
func (s *Store) DeleteVariations(ctx context.Context, base string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	doomed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id == 0 {
			return &ConsistencyError{Op: "delete variations", Detail: "variation id 0 is reserved"}
		}
		doomed[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT variation_id, reference_id FROM variations WHERE base = ?`, base)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, ref int64
		if err := rows.Scan(&id, &ref); err != nil {
			rows.Close()
			return err
		}
		if !doomed[id] && doomed[ref] {
			rows.Close()
			return &ConsistencyError{
				Op:     "delete variations",
				Detail: fmt.Sprintf("base %q: variation %d is still the reference of surviving variation %d", base, ref, id),
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	referenced, err := referencedInTx(ctx, tx, base)
	if err != nil {
		return err
	}
	for id := range doomed {
		if referenced[id] {
			return &ConsistencyError{
				Op:     "delete variations",
				Detail: fmt.Sprintf("base %q: variation %d is still used by a recorded simulation", base, id),
			}
		}
	}

	for id := range doomed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM variation_values WHERE base = ? AND variation_id = ?`, base, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM variations WHERE base = ? AND variation_id = ?`, base, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Simulation rows store bare base names per kind; variation rows key on
// the full "kind/name" identity, hence the prefixing here.
const referencedIDsQuery = `
SELECT config_variation_id FROM simulations WHERE 'config/' || config_base = :base
UNION SELECT rulesets_variation_id FROM simulations WHERE 'rulesets/' || rulesets_base = :base
UNION SELECT ic_cells_variation_id FROM simulations WHERE 'ic_cells/' || ic_cells_base = :base
UNION SELECT ic_substrates_variation_id FROM simulations WHERE 'ic_substrates/' || ic_substrates_base = :base`

func referencedInTx(ctx context.Context, tx *sql.Tx, base string) (map[int64]bool, error) {
	rows, err := tx.QueryContext(ctx, referencedIDsQuery, sql.Named("base", base))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ReferencedVariationIDs returns the set of variation ids for a base that
// are referenced by at least one recorded simulation.
func (s *Store) ReferencedVariationIDs(ctx context.Context, base string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, referencedIDsQuery, sql.Named("base", base))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

const simulationColumns = `id,
	config_base, config_variation_id,
	rulesets_base, rulesets_variation_id,
	ic_cells_base, ic_cells_variation_id,
	ic_substrates_base, ic_substrates_variation_id,
	custom_code, replicate_index, status, created_at, updated_at`

func scanSimulation(scan func(...any) error) (SimulationRecord, error) {
	var rec SimulationRecord
	var created, updated string
	err := scan(&rec.ID,
		&rec.Tuple.ConfigBase, &rec.Tuple.Config,
		&rec.Tuple.RulesetsBase, &rec.Tuple.Rulesets,
		&rec.Tuple.ICCellsBase, &rec.Tuple.ICCells,
		&rec.Tuple.ICSubstratesBase, &rec.Tuple.ICSubstrates,
		&rec.Tuple.CustomCode, &rec.ReplicateIndex, &rec.Status, &created, &updated)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

// CreateSimulation records a new pending simulation for the tuple and
// assigns it the next replicate index of its monad. Indexes come from a
// counter that never decreases, so an index freed by pruning is never
// reused.
func (s *Store) CreateSimulation(ctx context.Context, t Tuple) (SimulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SimulationRecord{}, err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO monads (monad_key, next_replicate_index) VALUES (?, 1)
		 ON CONFLICT (monad_key) DO UPDATE SET next_replicate_index = next_replicate_index + 1
		 RETURNING next_replicate_index`,
		t.MonadKey()).Scan(&next)
	if err != nil {
		return SimulationRecord{}, fmt.Errorf("failed to advance replicate counter: %w", err)
	}
	idx := next - 1

	ts := now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO simulations (
			config_base, config_variation_id,
			rulesets_base, rulesets_variation_id,
			ic_cells_base, ic_cells_variation_id,
			ic_substrates_base, ic_substrates_variation_id,
			custom_code, monad_key, replicate_index, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ConfigBase, t.Config,
		t.RulesetsBase, t.Rulesets,
		t.ICCellsBase, t.ICCells,
		t.ICSubstratesBase, t.ICSubstrates,
		t.CustomCode, t.MonadKey(), idx, StatusPending, ts, ts)
	if err != nil {
		return SimulationRecord{}, fmt.Errorf("failed to insert simulation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SimulationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return SimulationRecord{}, err
	}

	created, _ := time.Parse(time.RFC3339Nano, ts)
	return SimulationRecord{
		ID:             id,
		Tuple:          t,
		ReplicateIndex: idx,
		Status:         StatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
	}, nil
}

// allowedFrom maps each target status to the only status it may be
// reached from. Terminal states have no outgoing transitions.
var allowedFrom = map[Status]Status{
	StatusRunning:   StatusPending,
	StatusSucceeded: StatusRunning,
	StatusFailed:    StatusRunning,
}

// TransitionStatus advances a simulation's status. Illegal transitions
// (including any transition out of a terminal state) fail with
// *ConsistencyError and mutate nothing.
func (s *Store) TransitionStatus(ctx context.Context, id int64, to Status) error {
	from, ok := allowedFrom[to]
	if !ok {
		return &ConsistencyError{Op: "transition status", Detail: fmt.Sprintf("no transition leads to %q", to)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE simulations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update simulation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur Status
		err := s.db.QueryRowContext(ctx, `SELECT status FROM simulations WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return &ConsistencyError{Op: "transition status", Detail: fmt.Sprintf("simulation %d does not exist", id)}
		}
		if err != nil {
			return err
		}
		return &ConsistencyError{
			Op:     "transition status",
			Detail: fmt.Sprintf("simulation %d is %q, cannot transition to %q", id, cur, to),
		}
	}
	return nil
}

// Simulations lists all recorded simulations ordered by id.
func (s *Store) Simulations(ctx context.Context) ([]SimulationRecord, error) {
	return s.querySimulations(ctx,
		`SELECT `+simulationColumns+` FROM simulations ORDER BY id`)
}

// SimulationsByMonad lists the simulations of one monad ordered by
// replicate index.
func (s *Store) SimulationsByMonad(ctx context.Context, monadKey string) ([]SimulationRecord, error) {
	return s.querySimulations(ctx,
		`SELECT `+simulationColumns+` FROM simulations WHERE monad_key = ? ORDER BY replicate_index`,
		monadKey)
}

func (s *Store) querySimulations(ctx context.Context, query string, args ...any) ([]SimulationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SimulationRecord
	for rows.Next() {
		rec, err := scanSimulation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Simulation fetches one simulation record by id.
func (s *Store) Simulation(ctx context.Context, id int64) (SimulationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+simulationColumns+` FROM simulations WHERE id = ?`, id)
	rec, err := scanSimulation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("simulation %d not found", id)
	}
	return rec, err
}

// DeleteSimulations removes the given simulation rows in one
// transaction. Monad counters are left untouched so replicate indexes
// stay monotonic.
func (s *Store) DeleteSimulations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM simulations WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
