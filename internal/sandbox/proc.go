package sandbox

import (
	"io"
	"sync"
)

// ProcConfig wires a Proc to the pipes of a running command.
type ProcConfig struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	// Wait blocks until the command has exited. It is called once, after
	// both output streams have been drained or abandoned.
	Wait func() Outcome

	// Kill forcibly stops the command and returns once it is stopped. Called
	// at most once, and only when Kill resolves the outcome.
	Kill func()
}

// Proc implements Process on top of plain pipes. Every runtime builds its
// processes through it so the single-outcome guarantee lives in one place.
type Proc struct {
	out  chan Chunk
	done chan struct{}

	once    sync.Once
	outcome Outcome

	inMu  sync.Mutex
	stdin io.WriteCloser

	kill  func()
	pumps sync.WaitGroup
}

// NewProc starts streaming from the configured pipes.
func NewProc(cfg ProcConfig) *Proc {
	p := &Proc{
		out:   make(chan Chunk),
		done:  make(chan struct{}),
		stdin: cfg.Stdin,
		kill:  cfg.Kill,
	}

	p.pumps.Add(2)
	go p.pump(Stdout, cfg.Stdout)
	go p.pump(Stderr, cfg.Stderr)
	go p.finish(cfg.Wait)

	return p
}

func (p *Proc) Output() <-chan Chunk  { return p.out }
func (p *Proc) Done() <-chan struct{} { return p.done }

func (p *Proc) Outcome() Outcome {
	<-p.done
	return p.outcome
}

func (p *Proc) WriteInput(b []byte) {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}
	if p.stdin == nil {
		return
	}
	// A write racing process exit fails with EPIPE; that is not the caller's problem.
	_, _ = p.stdin.Write(b)
}

func (p *Proc) Kill() {
	if p.resolve(Outcome{Killed: true}) && p.kill != nil {
		p.kill()
	}
}

func (p *Proc) pump(s Stream, r io.Reader) {
	defer p.pumps.Done()
	if r == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.out <- Chunk{Stream: s, Data: data}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// finish resolves the natural-exit outcome. Output is closed before Done so
// a consumer that sees Done after a natural exit has already seen every chunk.
func (p *Proc) finish(wait func() Outcome) {
	p.pumps.Wait()
	close(p.out)

	o := Outcome{}
	if wait != nil {
		o = wait()
	}
	p.resolve(o)

	p.inMu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.inMu.Unlock()
}

func (p *Proc) resolve(o Outcome) bool {
	won := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		won = true
	})
	return won
}
