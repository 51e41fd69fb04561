package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/store"
	"github.com/roach88/ede/internal/trace"
)

// traceContext is the number of trace lines shown with a failed assertion.
const traceContext = 20

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string         // Assertion type for categorization
	Expected string         // Human-readable expected outcome
	Actual   string         // Human-readable actual outcome
	Trace    []trace.Record // Relevant trace records, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		recs := e.Trace
		if len(recs) > traceContext {
			fmt.Fprintf(&buf, "\nTrace (last %d of %d):\n", traceContext, len(recs))
			recs = recs[len(recs)-traceContext:]
		} else {
			fmt.Fprintf(&buf, "\nTrace:\n")
		}
		for _, rec := range recs {
			fmt.Fprintf(&buf, "  %s\n", rec.Line())
		}
	}
	return buf.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Network *config.Network
	Stack   *canif.Stack
	Sim     *sim.Result
	Trace   []trace.Record
}

// EvaluateAssertions evaluates all assertions against a finished run.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTimeoutAt:
			err = assertTimeoutAt(actx, assertion)
		case AssertSentAt:
			err = assertSentAt(actx, assertion)
		case AssertCount:
			err = assertCount(actx, assertion)
		case AssertNoneBetween:
			err = assertNoneBetween(actx, assertion)
		case AssertCounter:
			err = assertCounter(actx, assertion)
		case AssertStatus:
			err = assertStatus(actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// frameIndex resolves a frame name, requiring the given direction.
func frameIndex(net *config.Network, name string, inbound bool) (int, error) {
	fi, ok := net.FrameByName(name)
	if !ok {
		return -1, fmt.Errorf("unknown frame %q", name)
	}
	if net.Frames[fi].Inbound != inbound {
		dir := "outbound"
		if inbound {
			dir = "inbound"
		}
		return -1, fmt.Errorf("frame %q is not %s", name, dir)
	}
	return fi, nil
}

// assertTimeoutAt checks that the reception timeout of an inbound frame
// fires at the given tick.
func assertTimeoutAt(actx *AssertionContext, a Assertion) error {
	if _, err := frameIndex(actx.Network, a.Frame, true); err != nil {
		return err
	}
	fired := trace.Filter(actx.Trace, func(r trace.Record) bool {
		return r.Kind == event.KindTimerElapsed && r.Source == a.Frame
	})
	for _, r := range fired {
		if r.Tick == engine.Tick(a.Tick) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTimeoutAt,
		Expected: fmt.Sprintf("timeout of %s at tick %d", a.Frame, a.Tick),
		Actual:   fmt.Sprintf("timeouts at %v", ticksOf(fired)),
		Trace:    fired,
	}
}

// assertSentAt checks the exact transmission ticks of an outbound frame.
func assertSentAt(actx *AssertionContext, a Assertion) error {
	if _, err := frameIndex(actx.Network, a.Frame, false); err != nil {
		return err
	}
	want := make([]engine.Tick, len(a.Ticks))
	for i, t := range a.Ticks {
		want[i] = engine.Tick(t)
	}
	got := actx.Sim.SentAt(a.Frame)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertSentAt,
		Expected: fmt.Sprintf("%s sent at %v", a.Frame, want),
		Actual:   fmt.Sprintf("sent at %v", got),
	}
}

// assertCount checks the number of callbacks of a kind, optionally
// restricted to one frame.
func assertCount(actx *AssertionContext, a Assertion) error {
	kind, err := parseKind(a.Kind)
	if err != nil {
		return err
	}
	matching := trace.Filter(actx.Trace, func(r trace.Record) bool {
		return r.Kind == kind && (a.Frame == "" || r.Source == a.Frame)
	})
	if len(matching) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCount,
		Expected: fmt.Sprintf("%d occurrences of %s%s", a.Count, kind, ofFrame(a.Frame)),
		Actual:   fmt.Sprintf("%d occurrences at %v", len(matching), ticksOf(matching)),
		Trace:    matching,
	}
}

// assertNoneBetween checks that no callback of a kind occurs within the
// inclusive tick range.
func assertNoneBetween(actx *AssertionContext, a Assertion) error {
	kind, err := parseKind(a.Kind)
	if err != nil {
		return err
	}
	from, to := engine.Tick(a.From), engine.Tick(a.To)
	matching := trace.Filter(actx.Trace, func(r trace.Record) bool {
		return r.Kind == kind && (a.Frame == "" || r.Source == a.Frame) && r.Tick >= from && r.Tick <= to
	})
	if len(matching) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertNoneBetween,
		Expected: fmt.Sprintf("no %s%s in ticks %d..%d", kind, ofFrame(a.Frame), a.From, a.To),
		Actual:   fmt.Sprintf("%d at %v", len(matching), ticksOf(matching)),
		Trace:    matching,
	}
}

// assertCounter checks the final value of a node or dispatcher counter.
func assertCounter(actx *AssertionContext, a Assertion) error {
	counters, err := store.CounterMap(actx.Sim)
	if err != nil {
		return err
	}
	got, ok := counters[a.Name]
	if !ok {
		return fmt.Errorf("unknown counter %q", a.Name)
	}
	if got == a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertCounter,
		Expected: fmt.Sprintf("%s = %d", a.Name, a.Value),
		Actual:   fmt.Sprintf("%s = %d", a.Name, got),
	}
}

// assertStatus checks the final status flags of a frame.
func assertStatus(actx *AssertionContext, a Assertion) error {
	fi, ok := actx.Network.FrameByName(a.Frame)
	if !ok {
		return fmt.Errorf("unknown frame %q", a.Frame)
	}
	got := actx.Stack.FrameStatus(fi).Flags.String()
	if got == a.Flags {
		return nil
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("%s status %s", a.Frame, a.Flags),
		Actual:   got,
	}
}

func ticksOf(records []trace.Record) []engine.Tick {
	out := make([]engine.Tick, len(records))
	for i, r := range records {
		out[i] = r.Tick
	}
	return out
}

func ofFrame(name string) string {
	if name == "" {
		return ""
	}
	return " of " + name
}
