package supervisor

import (
	"context"
	"strings"
	"sync"
)

// EventType names a supervisor → client event.
type EventType string

const (
	EventTerminalOutput  EventType = "terminal-output"
	EventClearTerminal   EventType = "clear-terminal"
	EventRequestInput    EventType = "request-input"
	EventExecutionResult EventType = "execution-result"
	EventRunEligible     EventType = "run-eligible"
)

// Event is one message for the client. Enabled is only meaningful for
// request-input; Report is only set on the execution-result of a grading pass.
type Event struct {
	Type    EventType
	Text    string
	Enabled bool
	Report  *Report
}

// Sink delivers events to one client. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// Recorder is a Sink that keeps every event, for callers that want the whole
// transcript of a run rather than a stream.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

func (r *Recorder) Send(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// WaitFor blocks until cond holds for the recorded events or ctx ends.
func (r *Recorder) WaitFor(ctx context.Context, cond func([]Event) bool) ([]Event, error) {
	for {
		r.mu.Lock()
		events := append([]Event(nil), r.events...)
		changed := r.changed
		r.mu.Unlock()

		if cond(events) {
			return events, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// WaitEligible blocks until n run-eligible events have been recorded.
func (r *Recorder) WaitEligible(ctx context.Context, n int) ([]Event, error) {
	return r.WaitFor(ctx, func(events []Event) bool {
		return Count(events, EventRunEligible) >= n
	})
}

// Count returns how many events of type t are in events.
func Count(events []Event, t EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Transcript joins the text of every terminal-output event.
func Transcript(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventTerminalOutput {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}
