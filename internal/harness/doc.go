// Package harness runs conformance scenarios against a simulated node.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: heartbeat
//	description: "Ping times out after three missed cycles"
//	network: networks/heartbeat.cue
//	ticks: 12
//	flow:
//	  - tick: 2
//	    receive: Ping
//	    data: "01"
//	  - tick: 6
//	    busoff: CAN
//	assertions:
//	  - type: timeout_at
//	    frame: Ping
//	    tick: 11
//	  - type: sent_at
//	    frame: Pong
//	    ticks: [4, 8, 12]
//
// The network path is relative to the scenario file. Flow steps apply
// before the dispatchers run at their tick, in file order.
//
// # Assertion Types
//
//   - timeout_at: the reception timeout of an inbound frame fires at a tick
//   - sent_at: an outbound frame is transmitted exactly at the listed ticks
//   - count: callbacks of a kind (optionally of one frame) occur N times
//   - none_between: no callback of a kind occurs in a tick range
//   - counter: a node or dispatcher counter has its final value
//   - status: the final status flags of a frame
//
// # Deterministic Testing
//
// The simulation runs in logical ticks and the run identifier defaults to
// one derived from the scenario name, so the trace of a scenario is
// identical across runs and suitable for golden file comparison.
package harness
