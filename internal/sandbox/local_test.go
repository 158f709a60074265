package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLocalRuntime(t *testing.T) *LocalRuntime {
	t.Helper()
	r, err := NewLocalRuntime(t.TempDir(), "main.sh", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalRuntime: %v", err)
	}
	return r
}

func startScript(t *testing.T, r *LocalRuntime, script string) (Handle, Process) {
	t.Helper()
	ctx := context.Background()
	h, err := r.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { r.Destroy(context.Background(), h) })

	if err := r.Inject(ctx, h, []byte(script)); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	p, err := r.Execute(ctx, h, []string{"sh", ArtifactPlaceholder})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return h, p
}

func collect(t *testing.T, p Process) (string, string, Outcome) {
	t.Helper()
	var stdout, stderr strings.Builder
	timeout := time.After(5 * time.Second)
	for c := range p.Output() {
		if c.Stream == Stderr {
			stderr.Write(c.Data)
		} else {
			stdout.Write(c.Data)
		}
	}
	select {
	case <-p.Done():
	case <-timeout:
		t.Fatal("process did not finish")
	}
	return stdout.String(), stderr.String(), p.Outcome()
}

func TestLocalRuntimeRunsArtifact(t *testing.T) {
	r := testLocalRuntime(t)
	_, p := startScript(t, r, "echo hello\necho oops >&2\n")

	stdout, stderr, out := collect(t, p)
	if stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q, want %q", stderr, "oops\n")
	}
	if out.Killed || out.Err != nil || out.ExitCode != 0 {
		t.Errorf("outcome = %+v, want clean exit", out)
	}
}

func TestLocalRuntimeExitCode(t *testing.T) {
	r := testLocalRuntime(t)
	_, p := startScript(t, r, "exit 3\n")

	_, _, out := collect(t, p)
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestLocalRuntimeInput(t *testing.T) {
	r := testLocalRuntime(t)
	_, p := startScript(t, r, "read x\necho \"got $x\"\n")

	p.WriteInput([]byte("hi\n"))
	stdout, _, _ := collect(t, p)
	if stdout != "got hi\n" {
		t.Errorf("stdout = %q, want %q", stdout, "got hi\n")
	}
}

func TestLocalRuntimeKill(t *testing.T) {
	r := testLocalRuntime(t)
	_, p := startScript(t, r, "sleep 10\n")

	p.Kill()
	p.Kill()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Kill")
	}
	if !p.Outcome().Killed {
		t.Errorf("outcome = %+v, want killed", p.Outcome())
	}

	// Writing to a dead process must not panic or block.
	p.WriteInput([]byte("late\n"))
}

func TestLocalRuntimeKillAfterExit(t *testing.T) {
	r := testLocalRuntime(t)
	_, p := startScript(t, r, "exit 0\n")

	_, _, out := collect(t, p)
	p.Kill()
	if p.Outcome() != out || p.Outcome().Killed {
		t.Errorf("outcome changed after Kill: %+v", p.Outcome())
	}
}

func TestLocalRuntimeDestroy(t *testing.T) {
	r := testLocalRuntime(t)
	ctx := context.Background()

	h, err := r.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r.Destroy(ctx, h)
	r.Destroy(ctx, h)

	if _, err := os.Stat(h.ID()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("sandbox dir still present: %v", err)
	}
	if err := r.Inject(ctx, h, []byte("echo")); !errors.Is(err, ErrInjection) {
		t.Errorf("Inject after destroy = %v, want ErrInjection", err)
	}
	if _, err := r.Execute(ctx, h, []string{"sh"}); !errors.Is(err, ErrSpawn) {
		t.Errorf("Execute after destroy = %v, want ErrSpawn", err)
	}
}

func TestLocalRuntimeRefusesForeignPaths(t *testing.T) {
	r := testLocalRuntime(t)
	outside := t.TempDir()

	r.Destroy(context.Background(), Ref(outside))
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("foreign dir removed: %v", err)
	}
}

func TestPolicyMemoryBytes(t *testing.T) {
	p := DefaultPolicy()
	n, err := p.MemoryBytes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 256*1024*1024 {
		t.Errorf("MemoryBytes = %d, want %d", n, 256*1024*1024)
	}
	if !p.IsImageAllowed("python:3.9-slim") {
		t.Error("expected default image to be allowed")
	}
	if p.IsImageAllowed("alpine:latest") {
		t.Error("expected alpine to be rejected")
	}

	p.MaxMemory = "lots"
	if _, err := p.MemoryBytes(); err == nil {
		t.Error("expected error for invalid memory limit")
	}
}
