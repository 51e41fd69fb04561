package engine

import (
	"context"
	"time"
)

// Run calls Main every period until ctx is cancelled. It is the typical
// driver of a dispatcher in a long-running process; simulations and tests
// call Main directly.
func (d *Dispatcher) Run(ctx context.Context, period time.Duration) error {
	d.logger.Info("dispatcher starting", "name", d.name, "period", period)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st := d.Stats()
			d.logger.Info("dispatcher stopping: context cancelled",
				"tick", st.Tick,
				"events", st.Events,
				"timer_firings", st.TimerFirings,
				"unmapped", st.Unmapped,
			)
			return ctx.Err()

		case <-ticker.C:
			if err := d.Main(); err != nil {
				d.logger.Error("main failed", "error", err)
				return err
			}
		}
	}
}

// Step runs Main once on every dispatcher, in creation order.
func (s *System) Step() error {
	for _, d := range s.dispatchers {
		if err := d.Main(); err != nil {
			return err
		}
	}
	return nil
}
