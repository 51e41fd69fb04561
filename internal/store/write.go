package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/trace"
)

// Run is one stored simulation run.
type Run struct {
	ID            string
	Seq           int64
	Scenario      string
	Ticks         uint32
	Dispatchers   int
	Parallel      bool
	TraceHash     string
	Passed        *bool
	Records       []trace.Record
	Transmissions []sim.Transmission
	Counters      map[string]uint32
}

// NewRun assembles a Run from a simulation result and its trace. The trace
// hash is computed here.
func NewRun(scenario string, parallel bool, res *sim.Result, records []trace.Record) (Run, error) {
	hash, err := trace.Hash(records)
	if err != nil {
		return Run{}, fmt.Errorf("new run: %w", err)
	}
	counters, err := CounterMap(res)
	if err != nil {
		return Run{}, fmt.Errorf("new run: %w", err)
	}
	return Run{
		ID:            res.RunID,
		Scenario:      scenario,
		Ticks:         uint32(res.Ticks),
		Dispatchers:   len(res.Dispatchers),
		Parallel:      parallel,
		TraceHash:     hash,
		Records:       records,
		Transmissions: res.Transmissions,
		Counters:      counters,
	}, nil
}

// WriteRun stores a run with its dispatches, transmissions and counters in
// one transaction. Uses ON CONFLICT(id) DO NOTHING for idempotency - a run
// that already exists is left untouched and nil is returned.
//
// The run's Seq is assigned here and ignored on input.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback()

	var passed sql.NullBool
	if run.Passed != nil {
		passed = sql.NullBool{Bool: *run.Passed, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, seq, scenario, ticks, dispatchers, parallel, trace_hash, passed)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs), ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Scenario, run.Ticks, run.Dispatchers, boolInt(run.Parallel), run.TraceHash, passed)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("write run: %w", err)
	} else if n == 0 {
		return nil
	}

	if err := writeDispatches(ctx, tx, run); err != nil {
		return err
	}
	if err := writeTransmissions(ctx, tx, run); err != nil {
		return err
	}
	if err := writeCounters(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}

func writeDispatches(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatches
		(run_id, seq, tick, dispatcher, kind, source, internal, timer, port, handle, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write dispatches: %w", err)
	}
	defer stmt.Close()

	for i, rec := range run.Records {
		_, err := stmt.ExecContext(ctx,
			run.ID,
			i+1,
			uint32(rec.Tick),
			rec.Dispatcher,
			rec.Kind.String(),
			rec.Source,
			boolInt(rec.Internal),
			rec.Timer,
			rec.Port,
			int64(rec.Handle),
			rec.Data,
		)
		if err != nil {
			return fmt.Errorf("write dispatch %d: %w", i+1, err)
		}
	}
	return nil
}

func writeTransmissions(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transmissions (run_id, seq, tick, bus, frame, handle, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write transmissions: %w", err)
	}
	defer stmt.Close()

	for i, tr := range run.Transmissions {
		_, err := stmt.ExecContext(ctx, run.ID, i+1, uint32(tr.Tick), tr.Bus, tr.Frame, int64(tr.Handle), tr.Data)
		if err != nil {
			return fmt.Errorf("write transmission %d: %w", i+1, err)
		}
	}
	return nil
}

func writeCounters(ctx context.Context, tx *sql.Tx, run Run) error {
	for _, name := range sortedNames(run.Counters) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO counters (run_id, name, value) VALUES (?, ?, ?)
		`, run.ID, name, run.Counters[name])
		if err != nil {
			return fmt.Errorf("write counter %q: %w", name, err)
		}
	}
	return nil
}

// SetPassed records the outcome of a scenario's assertions.
func (s *Store) SetPassed(ctx context.Context, id string, passed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET passed = ? WHERE id = ?`, passed, id)
	if err != nil {
		return fmt.Errorf("set passed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set passed: %w: %s", ErrNotFound, id)
	}
	return nil
}
