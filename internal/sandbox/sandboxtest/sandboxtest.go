// Package sandboxtest provides an in-memory sandbox.Runtime whose processes
// are Go functions wired to real pipes.
package sandboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Program is the body of one fake process. It returns the exit code and must
// return promptly once ctx is cancelled.
type Program func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int

// Runtime is a fake sandbox.Runtime. The zero value is not usable; call New.
type Runtime struct {
	// Program picks the behavior for an execution from the injected artifact.
	Program func(artifact []byte) Program

	CreateErr error
	InjectErr error
	ExecErr   error

	// CreateDelay makes Create wait this long, or until its ctx ends.
	CreateDelay time.Duration

	mu         sync.Mutex
	seq        int
	live       map[string][]byte
	destroys   map[string]int
	executions int
	kills      map[int]int
	creating   int
}

// New creates a runtime whose every execution runs prog.
func New(prog Program) *Runtime {
	return &Runtime{
		Program:  func([]byte) Program { return prog },
		live:     make(map[string][]byte),
		destroys: make(map[string]int),
		kills:    make(map[int]int),
	}
}

func (r *Runtime) Create(ctx context.Context) (sandbox.Handle, error) {
	if r.CreateDelay > 0 {
		r.mu.Lock()
		r.creating++
		r.mu.Unlock()

		timer := time.NewTimer(r.CreateDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.mu.Lock()
			r.creating--
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", sandbox.ErrProvision, ctx.Err())
		}

		r.mu.Lock()
		r.creating--
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.CreateErr != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrProvision, r.CreateErr)
	}
	r.seq++
	id := fmt.Sprintf("fake-%d", r.seq)
	r.live[id] = nil
	return sandbox.Ref(id), nil
}

func (r *Runtime) Inject(ctx context.Context, h sandbox.Handle, artifact []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.InjectErr != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrInjection, r.InjectErr)
	}
	if _, ok := r.live[h.ID()]; !ok {
		return fmt.Errorf("%w: sandbox %s is gone", sandbox.ErrInjection, h.ID())
	}
	r.live[h.ID()] = slices.Clone(artifact)
	return nil
}

func (r *Runtime) Execute(ctx context.Context, h sandbox.Handle, command []string) (sandbox.Process, error) {
	r.mu.Lock()
	artifact, ok := r.live[h.ID()]
	execErr := r.ExecErr
	if ok && execErr == nil {
		r.executions++
	}
	n := r.executions
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: sandbox %s is gone", sandbox.ErrSpawn, h.ID())
	}
	if execErr != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrSpawn, execErr)
	}

	prog := r.Program(artifact)
	stdin := newInbox()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	exit := make(chan int, 1)

	go func() {
		code := prog(runCtx, stdin, stdoutW, stderrW)
		stdin.Close()
		stdoutW.Close()
		stderrW.Close()
		exit <- code
	}()

	return sandbox.NewProc(sandbox.ProcConfig{
		Stdin:  stdin,
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait: func() sandbox.Outcome {
			code := <-exit
			cancel()
			return sandbox.Outcome{ExitCode: code}
		},
		Kill: func() {
			r.mu.Lock()
			r.kills[n]++
			r.mu.Unlock()
			cancel()
			stdin.Close()
			stdoutR.Close()
			stderrR.Close()
		},
	}), nil
}

func (r *Runtime) Destroy(ctx context.Context, h sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys[h.ID()]++
	delete(r.live, h.ID())
}

// Live returns the ids of sandboxes that were created and not yet destroyed.
func (r *Runtime) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Creating returns how many Create calls are waiting out CreateDelay.
func (r *Runtime) Creating() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creating
}

// Created returns how many sandboxes were created.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Executions returns how many processes were started.
func (r *Runtime) Executions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions
}

// KillCalls returns how many kills reached the n-th started process,
// counting from 1.
func (r *Runtime) KillCalls(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kills[n]
}

// DestroyCalls returns how many times Destroy was called for id.
func (r *Runtime) DestroyCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroys[id]
}

// inbox is a non-blocking stdin: writes buffer like an OS pipe would.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, io.ErrClosedPipe
	}
	in.buf.Write(p)
	in.cond.Broadcast()
	return len(p), nil
}

func (in *inbox) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.buf.Len() == 0 && !in.closed {
		in.cond.Wait()
	}
	if in.buf.Len() == 0 {
		return 0, io.EOF
	}
	return in.buf.Read(p)
}

func (in *inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.cond.Broadcast()
	return nil
}
