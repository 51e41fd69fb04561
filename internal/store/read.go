package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/trace"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: run not found")

const runColumns = `id, seq, scenario, ticks, dispatchers, parallel, trace_hash, passed`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		run      Run
		parallel int
		passed   sql.NullBool
	)
	err := row.Scan(&run.ID, &run.Seq, &run.Scenario, &run.Ticks, &run.Dispatchers, &parallel, &run.TraceHash, &passed)
	if err != nil {
		return Run{}, err
	}
	run.Parallel = parallel != 0
	if passed.Valid {
		run.Passed = &passed.Bool
	}
	return run, nil
}

// ListRuns returns the run headers, oldest first. Records, transmissions
// and counters are not loaded.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the header of the most recently stored run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// ReadRun returns a run with its records, transmissions and counters.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}

	if run.Records, err = s.ReadTrace(ctx, id); err != nil {
		return Run{}, err
	}
	if run.Transmissions, err = s.readTransmissions(ctx, id); err != nil {
		return Run{}, err
	}
	if run.Counters, err = s.readCounters(ctx, id); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ReadTrace returns the dispatch records of a run in trace order.
func (s *Store) ReadTrace(ctx context.Context, id string) ([]trace.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, dispatcher, kind, source, internal, timer, port, handle, data
		FROM dispatches
		WHERE run_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	records := []trace.Record{}
	for rows.Next() {
		var (
			rec      trace.Record
			tick     uint32
			kind     string
			internal int
			handle   int64
		)
		if err := rows.Scan(&tick, &rec.Dispatcher, &kind, &rec.Source, &internal, &rec.Timer, &rec.Port, &handle, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		k, err := event.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		rec.Tick = engine.Tick(tick)
		rec.Kind = k
		rec.Internal = internal != 0
		rec.Handle = uint64(handle)
		if len(rec.Data) == 0 {
			rec.Data = nil
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return records, nil
}

func (s *Store) readTransmissions(ctx context.Context, id string) ([]sim.Transmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, bus, frame, handle, data
		FROM transmissions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query transmissions: %w", err)
	}
	defer rows.Close()

	out := []sim.Transmission{}
	for rows.Next() {
		var (
			tr     sim.Transmission
			tick   uint32
			handle int64
		)
		if err := rows.Scan(&tick, &tr.Bus, &tr.Frame, &handle, &tr.Data); err != nil {
			return nil, fmt.Errorf("scan transmission: %w", err)
		}
		tr.Tick = engine.Tick(tick)
		tr.Handle = event.Handle(handle)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transmissions: %w", err)
	}
	return out, nil
}

func (s *Store) readCounters(ctx context.Context, id string) (map[string]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value FROM counters WHERE run_id = ? ORDER BY name COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	out := map[string]uint32{}
	for rows.Next() {
		var (
			name  string
			value uint32
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return out, nil
}

// SentAt returns the ticks at which a frame was transmitted in a run.
func (s *Store) SentAt(ctx context.Context, id, frame string) ([]engine.Tick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick FROM transmissions WHERE run_id = ? AND frame = ? ORDER BY seq ASC
	`, id, frame)
	if err != nil {
		return nil, fmt.Errorf("query sent ticks: %w", err)
	}
	defer rows.Close()

	ticks := []engine.Tick{}
	for rows.Next() {
		var tick uint32
		if err := rows.Scan(&tick); err != nil {
			return nil, fmt.Errorf("scan sent tick: %w", err)
		}
		ticks = append(ticks, engine.Tick(tick))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent ticks: %w", err)
	}
	return ticks, nil
}
