package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/event"
)

// Scenario defines a conformance scenario: a network database, a timeline
// of stimuli and the assertions the resulting run must satisfy.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Network is the path of the CUE network database, relative to the
	// scenario file.
	Network string `yaml:"network"`

	// Ticks is the number of ticks to simulate.
	Ticks int `yaml:"ticks"`

	// Parallel steps the dispatchers of each tick on this many workers.
	Parallel int `yaml:"parallel,omitempty"`

	// Loopback feeds transmitted frames back to the node.
	Loopback bool `yaml:"loopback,omitempty"`

	// RunID is an optional fixed run identifier. If empty, one is derived
	// from the scenario name so traces and stored runs stay reproducible.
	RunID string `yaml:"run_id,omitempty"`

	// Flow lists the stimuli, applied before the dispatchers run at Tick.
	Flow []FlowStep `yaml:"flow,omitempty"`

	// Assertions validate the trace, the transmissions and the final state.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory of the scenario file.
	dir string
}

// FlowStep is one stimulus. Exactly one of the action fields is set.
type FlowStep struct {
	Tick uint32 `yaml:"tick"`

	// Receive names an inbound frame delivered by its bus driver.
	Receive string `yaml:"receive,omitempty"`
	// Update names an outbound frame given new contents by the application.
	Update string `yaml:"update,omitempty"`
	// BusOff, Recover, TxFail and TxRestore name a bus.
	BusOff    string `yaml:"busoff,omitempty"`
	Recover   string `yaml:"recover,omitempty"`
	TxFail    string `yaml:"txfail,omitempty"`
	TxRestore string `yaml:"txrestore,omitempty"`

	// Data is the frame payload in hex; spaces are ignored.
	Data string `yaml:"data,omitempty"`
}

// Assertion validates one property of a finished run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "timeout_at": the frame's reception timeout fires at Tick
	// - "sent_at": the frame is transmitted exactly at Ticks
	// - "count": Kind callbacks of Frame (any source if empty) occur Count times
	// - "none_between": no Kind callback of Frame between From and To
	// - "counter": the named counter ends at Value
	// - "status": the frame's final status flags render as Flags
	Type string `yaml:"type"`

	Frame string   `yaml:"frame,omitempty"`
	Kind  string   `yaml:"kind,omitempty"`
	Tick  uint32   `yaml:"tick,omitempty"`
	Ticks []uint32 `yaml:"ticks,omitempty"`
	Count int      `yaml:"count,omitempty"`
	From  uint32   `yaml:"from,omitempty"`
	To    uint32   `yaml:"to,omitempty"`
	Name  string   `yaml:"name,omitempty"`
	Value uint32   `yaml:"value,omitempty"`
	Flags string   `yaml:"flags,omitempty"`
}

// Assertion type constants.
const (
	AssertTimeoutAt   = "timeout_at"
	AssertSentAt      = "sent_at"
	AssertCount       = "count"
	AssertNoneBetween = "none_between"
	AssertCounter     = "counter"
	AssertStatus      = "status"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.dir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// NetworkPath returns the network database path resolved against the
// scenario file location.
func (s *Scenario) NetworkPath() string {
	if filepath.IsAbs(s.Network) || s.dir == "" {
		return s.Network
	}
	return filepath.Join(s.dir, s.Network)
}

// validateScenario checks required fields and the shape of every step and
// assertion. Frame and bus names are resolved later against the network.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Network == "" {
		return fmt.Errorf("network is required")
	}
	if s.Ticks <= 0 {
		return fmt.Errorf("ticks must be positive, got %d", s.Ticks)
	}
	if s.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", s.Parallel)
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("at least one assertion is required")
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if int(step.Tick) > s.Ticks {
			return fmt.Errorf("flow[%d]: tick %d is after the last tick %d", i, step.Tick, s.Ticks)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFlowStep(step FlowStep) error {
	set := 0
	for _, v := range []string{step.Receive, step.Update, step.BusOff, step.Recover, step.TxFail, step.TxRestore} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of receive, update, busoff, recover, txfail, txrestore is required")
	}
	if step.Tick == 0 {
		return fmt.Errorf("tick must be positive")
	}
	if step.Data != "" && step.Receive == "" && step.Update == "" {
		return fmt.Errorf("data is only valid with receive or update")
	}
	if _, err := parseData(step.Data); err != nil {
		return err
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTimeoutAt:
		if a.Frame == "" {
			return fmt.Errorf("timeout_at requires 'frame' field")
		}
		if a.Tick == 0 {
			return fmt.Errorf("timeout_at requires a positive 'tick'")
		}
	case AssertSentAt:
		if a.Frame == "" {
			return fmt.Errorf("sent_at requires 'frame' field")
		}
	case AssertCount:
		if a.Kind == "" {
			return fmt.Errorf("count requires 'kind' field")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must not be negative, got %d", a.Count)
		}
	case AssertNoneBetween:
		if a.Kind == "" {
			return fmt.Errorf("none_between requires 'kind' field")
		}
		if a.From > a.To {
			return fmt.Errorf("none_between: from %d is after to %d", a.From, a.To)
		}
	case AssertCounter:
		if a.Name == "" {
			return fmt.Errorf("counter requires 'name' field")
		}
	case AssertStatus:
		if a.Frame == "" || a.Flags == "" {
			return fmt.Errorf("status requires 'frame' and 'flags' fields")
		}
	case "":
		return fmt.Errorf("assertion type is required")
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
	if a.Kind != "" {
		if _, err := parseKind(a.Kind); err != nil {
			return err
		}
	}
	return nil
}

// parseData decodes a hex payload. Spaces separate bytes for readability.
func parseData(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid data %q: %w", s, err)
	}
	return b, nil
}

// parseKind resolves an event kind name. "update" names the kind used for
// application updates.
func parseKind(s string) (event.Kind, error) {
	if s == "update" {
		return canif.KindUpdate, nil
	}
	return event.ParseKind(s)
}
