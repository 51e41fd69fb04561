package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/sim"
)

// CounterMap flattens the end-of-run counters of a result into named
// values: node counters under their JSON names, dispatcher counters as
// "<dispatcher>.<counter>".
func CounterMap(res *sim.Result) (map[string]uint32, error) {
	out, err := flatten(res.Counters)
	if err != nil {
		return nil, err
	}
	for _, d := range res.Dispatchers {
		st := d.Stats
		for name, v := range map[string]uint32{
			"events":        st.Events,
			"timer_firings": st.TimerFirings,
			"unmapped":      st.Unmapped,
			"misrouted":     st.Misrouted,
			"deferred":      st.Deferred,
		} {
			out[d.Name+"."+name] = v
		}
	}
	return out, nil
}

// flatten converts a counter snapshot to a map via its JSON form, so new
// counters need no change here.
func flatten(c canif.CounterSnapshot) (map[string]uint32, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal counters: %w", err)
	}
	out := map[string]uint32{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return out, nil
}

// sortedNames returns the counter names in binary order for deterministic
// inserts.
func sortedNames(m map[string]uint32) []string {
	return slices.Sorted(maps.Keys(m))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
