package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrProvision means the provider could not allocate a sandbox.
	ErrProvision = errors.New("sandbox provision failed")
	// ErrInjection means the artifact could not be placed in the sandbox.
	ErrInjection = errors.New("artifact injection failed")
	// ErrSpawn means the sandbox could not host a new process.
	ErrSpawn = errors.New("process spawn failed")
)

// Handle identifies one isolated environment instance.
type Handle interface {
	ID() string
}

// Runtime is the capability interface to an isolation provider.
type Runtime interface {
	// Create allocates a new sandbox. Errors wrap ErrProvision.
	Create(ctx context.Context) (Handle, error)

	// Inject places the artifact inside the sandbox. Errors wrap ErrInjection.
	// On failure the caller must destroy the handle.
	Inject(ctx context.Context, h Handle, artifact []byte) error

	// Execute starts command inside the sandbox. Errors wrap ErrSpawn.
	Execute(ctx context.Context, h Handle, command []string) (Process, error)

	// Destroy tears the sandbox down. It never fails observably and is idempotent.
	Destroy(ctx context.Context, h Handle)
}

// Stream names one of the two output channels of a process.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of process output.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Outcome is the terminal result of a process. Exactly one of Killed, Err
// or ExitCode is meaningful.
type Outcome struct {
	ExitCode int
	Killed   bool
	Err      error
}

// Process is one running command bound to a sandbox.
type Process interface {
	// Output delivers chunks as they arrive. Closed once the streams are drained.
	Output() <-chan Chunk

	// WriteInput writes to the process stdin. After termination it is a no-op.
	WriteInput(p []byte)

	// Kill forcibly terminates the process and returns once it is gone. Other
	// processes in the same sandbox are not touched. Idempotent.
	Kill()

	// Done is closed once the terminal outcome is known.
	Done() <-chan struct{}

	// Outcome returns the terminal outcome. Only valid after Done is closed.
	Outcome() Outcome
}
