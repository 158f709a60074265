package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/suite"
)

type recordingTap struct {
	mu       sync.Mutex
	events   []Event
	attached int
}

func (r *recordingTap) emit(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingTap) attach(sandbox.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached++
	return true
}

func setupBox(t *testing.T, rt *sandboxtest.Runtime) sandbox.Handle {
	t.Helper()
	ctx := context.Background()
	box, err := rt.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Inject(ctx, box, []byte("code")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Destroy(context.Background(), box) })
	return box
}

func TestGraderSubstringMatch(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Square("The answer is "))
	s := &suite.Suite{
		Timeout: time.Second,
		Cases: []suite.Case{
			{Input: "4\n", Expected: "16"},
			{Input: "5\n", Expected: "is 25\n"},
			{Input: "6\n", Expected: "35"},
		},
	}
	g := NewGrader(rt, nil, s)
	tap := &recordingTap{}

	report, err := g.Grade(context.Background(), setupBox(t, rt), tap)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}

	if report.Passed != 2 || report.Failed != 1 {
		t.Errorf("passed %d failed %d, want 2 and 1", report.Passed, report.Failed)
	}
	wantPassed := []bool{true, true, false}
	for i, cr := range report.Cases {
		if cr.Passed != wantPassed[i] {
			t.Errorf("case %d passed = %v, want %v", i+1, cr.Passed, wantPassed[i])
		}
		if cr.Outcome.Kind != Success || cr.Outcome.ExitCode != 0 {
			t.Errorf("case %d outcome = %+v", i+1, cr.Outcome)
		}
	}
	if tap.attached != 3 {
		t.Errorf("attached %d processes, want one per case", tap.attached)
	}
	if report.Total <= 0 {
		t.Error("total elapsed should be positive")
	}
}

func TestGraderIgnoresExitCode(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Print("25\n", 2))
	s := &suite.Suite{Timeout: time.Second, Cases: []suite.Case{{Input: "5\n", Expected: "25"}}}

	report, err := NewGrader(rt, nil, s).Grade(context.Background(), setupBox(t, rt), &recordingTap{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Cases[0].Passed || report.Cases[0].Outcome.ExitCode != 2 {
		t.Errorf("case = %+v, want passed with exit code 2", report.Cases[0])
	}
}

func TestGraderCancelled(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Hang())
	s := &suite.Suite{Timeout: 10 * time.Second, Cases: []suite.Case{{Input: "1\n", Expected: "1"}}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	tap := &recordingTap{}
	report, err := NewGrader(rt, nil, s).Grade(ctx, setupBox(t, rt), tap)
	if err != errAborted {
		t.Fatalf("err = %v, want errAborted", err)
	}
	if len(report.Cases) != 0 {
		t.Errorf("cancelled pass recorded %d cases", len(report.Cases))
	}
	for _, ev := range tap.events {
		if strings.HasPrefix(ev.Text, "Test Case") {
			t.Errorf("cancelled pass emitted %q", ev.Text)
		}
	}
}

func TestOutcomeKindText(t *testing.T) {
	for _, k := range []OutcomeKind{Success, TimedOut, Killed, RuntimeError} {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back OutcomeKind
		if err := back.UnmarshalText(text); err != nil || back != k {
			t.Errorf("%s round-tripped to %s (%v)", k, back, err)
		}
	}
	var k OutcomeKind
	if err := k.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown kind")
	}
}
