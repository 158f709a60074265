package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	managedLabel = "runbox.managed"
	killTimeout  = 5 * time.Second
)

// DockerRuntime provisions one long-lived container per sandbox and runs
// commands in it with docker exec.
type DockerRuntime struct {
	cli          *client.Client
	policy       Policy
	image        string
	artifactPath string
	logger       zerolog.Logger
}

// NewDockerRuntime connects to the Docker daemon configured in the environment.
func NewDockerRuntime(policy Policy, image, artifactPath string, logger zerolog.Logger) (*DockerRuntime, error) {
	if !policy.IsImageAllowed(image) {
		return nil, fmt.Errorf("image %q not in allowlist", image)
	}
	if _, err := policy.MemoryBytes(); err != nil {
		return nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{
		cli:          cli,
		policy:       policy,
		image:        image,
		artifactPath: artifactPath,
		logger:       logger,
	}, nil
}

// EnsureImage pulls the sandbox image if the daemon does not have it yet.
func (r *DockerRuntime) EnsureImage(ctx context.Context) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, r.image); err == nil {
		return nil
	}

	r.logger.Info().Str("image", r.image).Msg("pulling docker image")
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", r.image, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is consumed.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (r *DockerRuntime) Create(ctx context.Context) (Handle, error) {
	memory, _ := r.policy.MemoryBytes()
	pids := r.policy.PidsLimit

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if !r.policy.Network {
		hostCfg.NetworkMode = "none"
	}

	name := "runbox-" + uuid.NewString()
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:           r.image,
		Cmd:             []string{"sleep", "infinity"},
		NetworkDisabled: !r.policy.Network,
		Labels:          map[string]string{managedLabel: "true"},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrProvision, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("%w: starting container: %v", ErrProvision, err)
	}

	r.logger.Debug().Str("sandbox", resp.ID).Str("name", name).Msg("container created")
	return Ref(resp.ID), nil
}

func (r *DockerRuntime) Inject(ctx context.Context, h Handle, artifact []byte) error {
	tarball, err := archive.Generate(path.Base(r.artifactPath), string(artifact))
	if err != nil {
		return fmt.Errorf("%w: building archive: %v", ErrInjection, err)
	}
	err = r.cli.CopyToContainer(ctx, h.ID(), path.Dir(r.artifactPath), tarball, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("%w: copying to container: %v", ErrInjection, err)
	}
	return nil
}

func (r *DockerRuntime) Execute(ctx context.Context, h Handle, command []string) (Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	pidFile := "/tmp/runbox-" + uuid.NewString() + ".pid"
	execResp, err := r.cli.ContainerExecCreate(ctx, h.ID(), container.ExecOptions{
		Cmd:          pidfileCommand(pidFile, expandCommand(command, r.artifactPath)),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating exec: %v", ErrSpawn, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attaching exec: %v", ErrSpawn, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return NewProc(ProcConfig{
		Stdin:  hijackedStdin{attach},
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait: func() Outcome {
			defer attach.Close()
			return r.waitExec(execResp.ID)
		},
		Kill: func() {
			attach.Close()
			stdoutR.Close()
			stderrR.Close()
			// Closing the stream does not stop the process inside the
			// container. The next process may already share the container,
			// so only this exec is signalled, and Kill returns once it is gone.
			r.stopExec(h.ID(), execResp.ID, pidFile)
		},
	}), nil
}

func (r *DockerRuntime) Destroy(ctx context.Context, h Handle) {
	err := r.cli.ContainerRemove(ctx, h.ID(), container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		r.logger.Debug().Str("sandbox", h.ID()).Msg("container removed")
	case errdefs.IsNotFound(err), errdefs.IsConflict(err):
		r.logger.Debug().Str("sandbox", h.ID()).Msg("container already removed")
	default:
		r.logger.Warn().Err(err).Str("sandbox", h.ID()).Msg("removing container")
	}
}

// ListManaged returns the ids of every container this runtime created that
// still exists, running or not.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// waitExec polls until the exec is no longer running. Output EOF usually
// arrives slightly before the daemon records the exit code.
func (r *DockerRuntime) waitExec(execID string) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		inspect, err := r.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return Outcome{Err: fmt.Errorf("inspecting exec: %w", err)}
		}
		if !inspect.Running {
			return Outcome{ExitCode: inspect.ExitCode}
		}
		select {
		case <-ctx.Done():
			return Outcome{Err: errors.New("exec still running after its output closed")}
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// stopExec kills the process recorded in pidFile until the daemon
// reports the exec finished or killTimeout passes.
func (r *DockerRuntime) stopExec(containerID, execID, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	log := r.logger.With().Str("sandbox", containerID).Str("exec", execID).Logger()
	for {
		inspect, err := r.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			log.Debug().Err(err).Msg("inspecting exec to kill")
			return
		}
		if !inspect.Running {
			return
		}
		// The pid file may not be written yet; the next round retries.
		if err := r.runExec(ctx, containerID, killCommand(pidFile)); err != nil {
			log.Debug().Err(err).Msg("running kill exec")
		}
		select {
		case <-ctx.Done():
			log.Warn().Msg("exec still running after kill")
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// runExec runs a detached helper command and waits for it to finish.
func (r *DockerRuntime) runExec(ctx context.Context, containerID string, cmd []string) error {
	execResp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{Cmd: cmd})
	if err != nil {
		return fmt.Errorf("creating exec: %w", err)
	}
	if err := r.cli.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("starting exec: %w", err)
	}
	for {
		inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspect.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// pidfileCommand wraps command so the shell writes its pid to pidFile and
// then execs command, which keeps that pid.
func pidfileCommand(pidFile string, command []string) []string {
	const script = `echo $$ > "$0"; exec "$@"`
	return append([]string{"sh", "-c", script, pidFile}, command...)
}

// killCommand SIGKILLs the process whose pid is in pidFile, and its process
// group when it leads one. A missing pid file is not an error.
func killCommand(pidFile string) []string {
	const script = `[ -f "$0" ] || exit 0
p=$(cat "$0")
[ -n "$p" ] || exit 0
kill -s KILL -- "-$p" 2>/dev/null
kill -s KILL "$p" 2>/dev/null
exit 0`
	return []string{"sh", "-c", script, pidFile}
}

func (r *DockerRuntime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Destroy(ctx, Ref(id))
}

// Close releases the docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// hijackedStdin adapts the exec connection to an io.WriteCloser; closing it
// half-closes the stream so the process sees EOF.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (s hijackedStdin) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }
func (s hijackedStdin) Close() error                { return s.resp.CloseWrite() }
