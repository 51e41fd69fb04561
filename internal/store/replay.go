package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/ede/internal/trace"
)

// ErrHashMismatch means the stored dispatches no longer hash to the run's
// recorded trace hash.
var ErrHashMismatch = errors.New("store: trace hash mismatch")

// VerifyRun recomputes the trace hash of a stored run from its dispatches.
func (s *Store) VerifyRun(ctx context.Context, id string) error {
	run, err := s.ReadRun(ctx, id)
	if err != nil {
		return fmt.Errorf("verify run: %w", err)
	}
	hash, err := trace.Hash(run.Records)
	if err != nil {
		return fmt.Errorf("verify run: %w", err)
	}
	if hash != run.TraceHash {
		return fmt.Errorf("%w: run %s stored %s, computed %s", ErrHashMismatch, id, run.TraceHash, hash)
	}
	return nil
}

// CompareRuns reports whether two stored runs have the same trace. Runs of
// the same scenario must compare equal however their dispatchers were
// scheduled.
func (s *Store) CompareRuns(ctx context.Context, a, b string) (bool, error) {
	ra, err := s.ReadRun(ctx, a)
	if err != nil {
		return false, err
	}
	rb, err := s.ReadRun(ctx, b)
	if err != nil {
		return false, err
	}
	return ra.TraceHash == rb.TraceHash, nil
}
