package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

const localDirPrefix = "runbox-"

// LocalRuntime runs commands as host processes inside a scratch directory.
// It isolates nothing beyond the working directory and a process group, so
// it is meant for development and tests, not untrusted code.
type LocalRuntime struct {
	baseDir      string
	artifactName string
	logger       zerolog.Logger
}

// NewLocalRuntime creates a runtime rooted at baseDir (os.TempDir() if empty).
func NewLocalRuntime(baseDir, artifactName string, logger zerolog.Logger) (*LocalRuntime, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox base dir: %w", err)
	}
	if artifactName == "" {
		artifactName = "code.py"
	}
	return &LocalRuntime{
		baseDir:      baseDir,
		artifactName: filepath.Base(artifactName),
		logger:       logger,
	}, nil
}

func (r *LocalRuntime) Create(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	dir, err := os.MkdirTemp(r.baseDir, localDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	r.logger.Debug().Str("sandbox", dir).Msg("local sandbox created")
	return Ref(dir), nil
}

func (r *LocalRuntime) Inject(ctx context.Context, h Handle, artifact []byte) error {
	if !r.owns(h.ID()) {
		return fmt.Errorf("%w: unknown sandbox %s", ErrInjection, h.ID())
	}
	if _, err := os.Stat(h.ID()); err != nil {
		return fmt.Errorf("%w: %v", ErrInjection, err)
	}
	if err := os.WriteFile(filepath.Join(h.ID(), r.artifactName), artifact, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrInjection, err)
	}
	return nil
}

func (r *LocalRuntime) Execute(ctx context.Context, h Handle, command []string) (Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}
	if _, err := os.Stat(h.ID()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	args := expandCommand(command, filepath.Join(h.ID(), r.artifactName))
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = h.ID()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	var exited atomic.Bool
	return NewProc(ProcConfig{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait: func() Outcome {
			err := cmd.Wait()
			exited.Store(true)
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return Outcome{ExitCode: exitErr.ExitCode()}
				}
				return Outcome{Err: err}
			}
			return Outcome{}
		},
		Kill: func() {
			if exited.Load() {
				return
			}
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		},
	}), nil
}

func (r *LocalRuntime) Destroy(ctx context.Context, h Handle) {
	if !r.owns(h.ID()) {
		r.logger.Warn().Str("sandbox", h.ID()).Msg("refusing to destroy path outside sandbox root")
		return
	}
	if _, err := os.Stat(h.ID()); errors.Is(err, os.ErrNotExist) {
		r.logger.Debug().Str("sandbox", h.ID()).Msg("sandbox already destroyed")
		return
	}
	if err := os.RemoveAll(h.ID()); err != nil {
		r.logger.Warn().Err(err).Str("sandbox", h.ID()).Msg("destroying local sandbox")
		return
	}
	r.logger.Debug().Str("sandbox", h.ID()).Msg("local sandbox destroyed")
}

func (r *LocalRuntime) owns(dir string) bool {
	return filepath.Dir(dir) == filepath.Clean(r.baseDir) &&
		strings.HasPrefix(filepath.Base(dir), localDirPrefix)
}
