package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// startWrapped starts command under pidfileCommand on the host shell and
// waits for the pid file to appear.
func startWrapped(t *testing.T, pidFile string, command ...string) (*exec.Cmd, <-chan error) {
	t.Helper()
	args := pidfileCommand(pidFile, command)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %v: %v", args, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(pidFile)
		if err == nil && strings.TrimSpace(string(data)) != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid file %s never written", pidFile)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cmd, done
}

func TestPidfileCommandKeepsPid(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "a.pid")
	cmd, _ := startWrapped(t, pidFile, "sleep", "30")

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(cmd.Process.Pid) {
		t.Errorf("pid file = %s, want %d", got, cmd.Process.Pid)
	}
}

func TestKillCommandOnlyHitsItsOwnProcess(t *testing.T) {
	dir := t.TempDir()
	first, firstDone := startWrapped(t, filepath.Join(dir, "first.pid"), "sleep", "30")
	// The next process is already running when the first one's kill lands.
	_, secondDone := startWrapped(t, filepath.Join(dir, "second.pid"), "sleep", "30")

	args := killCommand(filepath.Join(dir, "first.pid"))
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		t.Fatalf("kill command: %v\n%s", err, out)
	}

	select {
	case err := <-firstDone:
		if err == nil {
			t.Error("killed process exited cleanly")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d survived its kill", first.Process.Pid)
	}

	select {
	case err := <-secondDone:
		t.Fatalf("the other process died too: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKillCommandWithoutPidFile(t *testing.T) {
	args := killCommand(filepath.Join(t.TempDir(), "missing.pid"))
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		t.Fatalf("kill command with no pid file: %v\n%s", err, out)
	}
}
