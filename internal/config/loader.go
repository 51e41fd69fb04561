package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ede/internal/engine"
)

// Error is a database problem, with a CUE position when one is known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// rawNetwork mirrors #Network for Value.Decode.
type rawNetwork struct {
	TickPeriod string `json:"tickPeriod"`
	Pool       struct {
		Size int `json:"size"`
	} `json:"pool"`
	Buses       []Bus `json:"buses"`
	Dispatchers []struct {
		Name         string `json:"name"`
		PortCapacity int    `json:"portCapacity"`
		MaxPayload   int    `json:"maxPayload"`
		HandleMap    string `json:"handleMap"`
	} `json:"dispatchers"`
	Frames []struct {
		Name        string `json:"name"`
		ID          int64  `json:"id"`
		Extended    bool   `json:"extended"`
		Bus         string `json:"bus"`
		Direction   string `json:"direction"`
		Size        int    `json:"size"`
		SendMode    string `json:"sendMode"`
		Cycle       string `json:"cycle"`
		MinDistance string `json:"minDistance"`
		Dispatcher  string `json:"dispatcher"`
	} `json:"frames"`
}

// Load reads a network database from a .cue file or from the CUE package
// in a directory.
func Load(path string) (*Network, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Field: "path", Message: err.Error()}
	}

	ctx := cuecontext.New()
	var value cue.Value
	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return nil, &Error{Field: "path", Message: fmt.Sprintf("no CUE instances in %s", path)}
		}
		if err := instances[0].Err; err != nil {
			return nil, formatCUEError(err)
		}
		value = ctx.BuildInstance(instances[0])
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Field: "path", Message: err.Error()}
		}
		value = ctx.CompileBytes(data, cue.Filename(filepath.Base(path)))
	}
	return decode(ctx, value)
}

// Parse reads a network database from CUE source.
func Parse(src []byte, filename string) (*Network, error) {
	ctx := cuecontext.New()
	return decode(ctx, ctx.CompileBytes(src, cue.Filename(filename)))
}

func decode(ctx *cue.Context, value cue.Value) (*Network, error) {
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	netVal := value.LookupPath(cue.ParsePath("network"))
	if !netVal.Exists() {
		return nil, &Error{Field: "network", Message: "top-level network struct is required", Pos: value.Pos()}
	}

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config: embedded schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Network")).Unify(netVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var raw rawNetwork
	if err := unified.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}
	return build(&raw)
}

// build resolves names to indexes and converts durations.
func build(raw *rawNetwork) (*Network, error) {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	n := &Network{PoolSize: raw.Pool.Size}
	tick, err := time.ParseDuration(raw.TickPeriod)
	if err != nil || tick <= 0 {
		fail("tickPeriod", "invalid duration %q", raw.TickPeriod)
		tick = 10 * time.Millisecond
	}
	n.TickPeriod = tick

	if len(raw.Buses) == 0 {
		fail("buses", "at least one bus is required")
	}
	busIdx := map[string]int{}
	for i, b := range raw.Buses {
		name := norm.NFC.String(b.Name)
		if _, dup := busIdx[name]; dup {
			fail(fmt.Sprintf("buses[%d]", i), "duplicate bus %q", name)
		}
		busIdx[name] = i
		n.Buses = append(n.Buses, Bus{Name: name})
	}

	if len(raw.Dispatchers) == 0 {
		fail("dispatchers", "at least one dispatcher is required")
	}
	dispIdx := map[string]int{}
	for i, d := range raw.Dispatchers {
		name := norm.NFC.String(d.Name)
		if _, dup := dispIdx[name]; dup {
			fail(fmt.Sprintf("dispatchers[%d]", i), "duplicate dispatcher %q", name)
		}
		dispIdx[name] = i
		n.Dispatchers = append(n.Dispatchers, Dispatcher{
			Name:         name,
			PortCapacity: d.PortCapacity,
			MaxPayload:   d.MaxPayload,
			HandleMap:    MapStrategy(d.HandleMap),
		})
	}

	frameIdx := map[string]int{}
	type key struct {
		scope   int
		id      int64
		ext     bool
		inbound bool
	}
	busIDs := map[key]string{}
	dispIDs := map[key]string{}
	for i, rf := range raw.Frames {
		field := fmt.Sprintf("frames[%d]", i)
		name := norm.NFC.String(rf.Name)
		if _, dup := frameIdx[name]; dup {
			fail(field, "duplicate frame %q", name)
		}
		frameIdx[name] = i

		f := Frame{
			Name:     name,
			Extended: rf.Extended,
			Inbound:  rf.Direction == "in",
			Size:     rf.Size,
			SendMode: SendMode(rf.SendMode),
		}

		limit := int64(0x7FF)
		if rf.Extended {
			limit = 0x1FFFFFFF
		}
		if rf.ID > limit {
			fail(field, "id %#x of %q exceeds %#x", rf.ID, name, limit)
		}
		f.ID = uint32(rf.ID)

		bus, ok := busIdx[norm.NFC.String(rf.Bus)]
		if !ok {
			fail(field, "frame %q refers to unknown bus %q", name, rf.Bus)
		}
		f.Bus = bus

		if rf.Dispatcher != "" {
			d, ok := dispIdx[norm.NFC.String(rf.Dispatcher)]
			if !ok {
				fail(field, "frame %q refers to unknown dispatcher %q", name, rf.Dispatcher)
			}
			f.Dispatcher = d
		}
		if len(n.Dispatchers) > f.Dispatcher && f.Size > n.Dispatchers[f.Dispatcher].MaxPayload {
			fail(field, "frame %q size %d exceeds dispatcher max payload %d", name, f.Size, n.Dispatchers[f.Dispatcher].MaxPayload)
		}

		// identifiers must be unique per bus and, since handle maps are
		// keyed by identifier only, per dispatcher
		busKey := key{scope: bus, id: rf.ID, ext: rf.Extended, inbound: f.Inbound}
		dispKey := key{scope: f.Dispatcher, id: rf.ID, ext: rf.Extended, inbound: f.Inbound}
		if other, dup := busIDs[busKey]; dup {
			fail(field, "frame %q reuses the identifier of %q", name, other)
		} else if other, dup := dispIDs[dispKey]; dup {
			fail(field, "frame %q reuses the identifier of %q on dispatcher %d", name, other, f.Dispatcher)
		}
		busIDs[busKey] = name
		dispIDs[dispKey] = name

		if f.Cycle, err = time.ParseDuration(rf.Cycle); err != nil {
			fail(field, "invalid cycle %q", rf.Cycle)
		}
		if f.MinDistance, err = time.ParseDuration(rf.MinDistance); err != nil {
			fail(field, "invalid minDistance %q", rf.MinDistance)
		}
		if f.SendMode != SendEvent && f.Cycle < tick {
			fail(field, "cycle %v of %q is shorter than the tick %v", f.Cycle, name, tick)
		}
		if f.SendMode != SendRegular && f.MinDistance <= 0 {
			fail(field, "minDistance of %q must be positive", name)
		}
		factor := time.Duration(1)
		if f.Inbound {
			factor = TimeoutFactor
		}
		if !fitsDelay(f.Cycle, tick, factor) {
			fail(field, "cycle %v of %q exceeds the longest timer delay", f.Cycle, name)
		}
		if !fitsDelay(f.MinDistance, tick, 1) {
			fail(field, "minDistance %v of %q exceeds the longest timer delay", f.MinDistance, name)
		}
		n.Frames = append(n.Frames, f)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return n, nil
}

// fitsDelay reports whether factor times d, in ticks of period tick, can
// be scheduled on a dispatcher timer.
func fitsDelay(d, tick, factor time.Duration) bool {
	return d/tick < engine.MaxDelay/factor
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Field: "cue", Message: first.Error()}
}
