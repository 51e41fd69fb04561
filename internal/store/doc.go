// Package store provides SQLite-backed durable storage for simulation runs.
//
// A run is stored append-only as:
//   - runs: one row per run with its scenario, tick count and trace hash
//   - dispatches: every traced callback invocation, in trace order
//   - transmissions: every frame put on the simulated bus
//   - counters: node and dispatcher counters at the end of the run
//
// Ordering never depends on wall time. Runs are ordered by a logical
// sequence number assigned on insert; rows within a run by their seq.
// All queries carry an explicit ORDER BY so results are identical across
// reads.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Trace hashes are computed by internal/trace and can be checked against
// the stored dispatches with VerifyRun.
package store
