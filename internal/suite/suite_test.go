package suite

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSuite(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suite.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeSuite(t, `
name: doubling
timeout: 2s
cases:
  - input: "2\n"
    expected_output: "4\n"
  - input: "21\n"
    expected_output: "42\n"
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "doubling" {
		t.Errorf("name = %q, want doubling", s.Name)
	}
	if s.Timeout != 2*time.Second {
		t.Errorf("timeout = %s, want 2s", s.Timeout)
	}
	if len(s.Cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(s.Cases))
	}
	if s.Cases[1].Input != "21\n" || s.Cases[1].Expected != "42\n" {
		t.Errorf("case order not preserved: %+v", s.Cases)
	}
}

func TestLoadDefaultsTimeout(t *testing.T) {
	path := writeSuite(t, `
cases:
  - input: "1\n"
    expected_output: "1\n"
`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Timeout != DefaultTimeout {
		t.Errorf("timeout = %s, want %s", s.Timeout, DefaultTimeout)
	}
}

func TestLoadRejectsEmptySuite(t *testing.T) {
	path := writeSuite(t, "name: empty\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for suite without cases")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	if s.Cases[0].Input != "5\n" || s.Cases[0].Expected != "25\n" {
		t.Errorf("unexpected first case: %+v", s.Cases[0])
	}
}
