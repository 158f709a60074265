package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Mode is what an execution does with the submission.
type Mode string

const (
	ModeRun   Mode = "run"
	ModeGrade Mode = "grade"
)

// execution is one run or grading pass. Once closed it delivers nothing
// more to the client, and whoever closes it owns the cleanup.
type execution struct {
	id      string
	mode    Mode
	sess    *Session
	box     sandbox.Handle
	started time.Time
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// inMu orders writes to the process; it is never taken while holding mu.
	inMu sync.Mutex

	mu      sync.Mutex
	sink    Sink
	proc    sandbox.Process
	pending [][]byte
	closed  bool
}

func newExecution(sess *Session, mode Mode, box sandbox.Handle, logger zerolog.Logger) *execution {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &execution{
		id:      id,
		mode:    mode,
		sess:    sess,
		box:     box,
		started: time.Now(),
		log: logger.With().
			Str("execution", id).
			Str("client", sess.ClientID).
			Str("mode", string(mode)).
			Str("sandbox", box.ID()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		sink:   sess.sink,
	}
}

// emit delivers ev unless the execution has been closed.
func (e *execution) emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.sink.Send(ev)
	return true
}

// attach makes p the process that input goes to and that a stop kills.
// Input that arrived while no process was attached is written to p first.
// A process attached after close is killed on the spot.
func (e *execution) attach(p sandbox.Process) bool {
	e.inMu.Lock()
	defer e.inMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		p.Kill()
		return false
	}
	e.proc = p
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, b := range pending {
		p.WriteInput(b)
	}
	return true
}

// writeInput forwards b to the attached process, or holds it for the next
// one while a process is being spawned. It reports false once closed.
func (e *execution) writeInput(b []byte) bool {
	e.inMu.Lock()
	defer e.inMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	p := e.proc
	if p == nil {
		e.pending = append(e.pending, b)
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	p.WriteInput(b)
	return true
}

// claim closes the execution and kills its process. Exactly one caller
// wins; the rest get false.
func (e *execution) claim() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	p := e.proc
	e.mu.Unlock()

	e.cancel()
	if p != nil {
		p.Kill()
	}
	return true
}
