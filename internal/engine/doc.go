// Package engine implements the event dispatcher: a cooperative, per-tick
// scheduler that fires timers and dispatches queued events to registered
// event sources.
//
// ARCHITECTURE:
//
// A System owns the memory pool, the registries of event sources and the
// dispatchers. Event sources are registered once, during single-threaded
// startup, and receive a dense index in call order. The first Main call on
// any dispatcher closes registration for the whole system.
//
// Each Dispatcher is driven by exactly one goroutine calling Main:
//  1. Merge timers created since the previous tick
//  2. Advance the tick
//  3. Fire due timers in creation order
//  4. Drain the receiver ports, resolve each event to its source through
//     the dispatcher's handle map, and invoke the source's callback
//  5. Recycle killed timers
//
// Everything inside Main runs to completion. No locks protect the timer
// list; timers are created, retriggered, suspended and killed only through
// the Context of a callback running on the owning dispatcher.
//
// Timer handles and contexts carry generation counters, so a killed timer
// or a context kept past its callback is reported as an error instead of
// aliasing a recycled slot.
package engine
