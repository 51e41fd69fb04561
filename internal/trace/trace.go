// Package trace records callback invocations of a node and turns them into
// reproducible artefacts: golden text lines, canonical JSON and a content
// hash identifying the run's behaviour.
package trace

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
)

// Record is one callback invocation.
type Record struct {
	Tick       engine.Tick `json:"tick"`
	Dispatcher int         `json:"disp"`
	Kind       event.Kind  `json:"kind"`
	Source     string      `json:"source"`
	Internal   bool        `json:"internal"`
	Timer      int         `json:"timer"`
	Port       int         `json:"port"`
	Handle     uint64      `json:"handle"`
	Data       []byte      `json:"data"`
}

// Line renders the record in golden-file form.
func (r Record) Line() string {
	timer := "-"
	if r.Timer >= 0 {
		timer = fmt.Sprint(r.Timer)
	}
	source := r.Source
	if source == "" {
		source = "-"
	}
	return fmt.Sprintf("tick=%d disp=%d kind=%s source=%s timer=%s", r.Tick, r.Dispatcher, r.Kind, source, timer)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithoutInit drops the init invocations of registration.
func WithoutInit() Option {
	return func(r *Recorder) {
		r.skip = append(r.skip, event.KindSourceInit, event.KindInternalInit)
	}
}

// WithKinds keeps only the given kinds.
func WithKinds(kinds ...event.Kind) Option {
	return func(r *Recorder) {
		r.only = append(r.only, kinds...)
	}
}

// Recorder is an engine.Tracer collecting Records. It is safe for
// dispatchers running in parallel.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	skip    []event.Kind
	only    []event.Kind
}

// NewRecorder returns an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnInvoke implements engine.Tracer.
func (r *Recorder) OnInvoke(inv engine.Invocation) {
	if slices.Contains(r.skip, inv.Kind) {
		return
	}
	if len(r.only) > 0 && !slices.Contains(r.only, inv.Kind) {
		return
	}
	rec := Record{
		Tick:       inv.Tick,
		Dispatcher: inv.Dispatcher,
		Kind:       inv.Kind,
		Source:     inv.SourceName,
		Internal:   inv.Internal,
		Timer:      inv.Timer,
		Port:       inv.Port,
		Handle:     uint64(inv.Handle),
		Data:       slices.Clone(inv.Data),
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns the records ordered by tick, then dispatcher, then
// invocation order within the dispatcher.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	out := slices.Clone(r.records)
	r.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Record) int {
		if c := cmp.Compare(a.Tick, b.Tick); c != 0 {
			return c
		}
		return cmp.Compare(a.Dispatcher, b.Dispatcher)
	})
	return out
}

// Len returns the number of records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Reset drops every record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}

// Lines renders records one per line.
func Lines(records []Record) string {
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(rec.Line())
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteText writes the golden form of the recorder's records to w.
func (r *Recorder) WriteText(w io.Writer) error {
	_, err := io.WriteString(w, Lines(r.Records()))
	return err
}

// Filter returns the records for which keep reports true.
func Filter(records []Record, keep func(Record) bool) []Record {
	var out []Record
	for _, rec := range records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}
