package sandbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

func TestProcKillRacingExitYieldsOneOutcome(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Print("done\n", 0))
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		h, err := rt.Create(ctx)
		if err != nil {
			t.Fatal(err)
		}
		p, err := rt.Execute(ctx, h, []string{"run"})
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Kill()
		}()
		go func() {
			defer wg.Done()
			for range p.Output() {
			}
		}()
		wg.Wait()

		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: no outcome", i)
		}
		out := p.Outcome()
		if !out.Killed && out.ExitCode != 0 {
			t.Fatalf("iteration %d: unexpected outcome %+v", i, out)
		}
		if p.Outcome() != out {
			t.Fatalf("iteration %d: outcome changed", i)
		}
		rt.Destroy(ctx, h)
	}
}

func TestProcDeliversOutputBeforeDone(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Print("line one\nline two\n", 0))
	ctx := context.Background()

	h, _ := rt.Create(ctx)
	p, err := rt.Execute(ctx, h, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	for c := range p.Output() {
		got = append(got, c.Data...)
	}
	<-p.Done()
	if string(got) != "line one\nline two\n" {
		t.Errorf("output = %q", got)
	}
	if p.Outcome().Killed {
		t.Error("natural exit reported as killed")
	}
}

func TestProcWriteAfterExitIsNoop(t *testing.T) {
	rt := sandboxtest.New(sandboxtest.Print("", 0))
	ctx := context.Background()

	h, _ := rt.Create(ctx)
	p, err := rt.Execute(ctx, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range p.Output() {
	}
	<-p.Done()

	p.WriteInput([]byte("ignored\n"))
	p.Kill()
	if p.Outcome() != (sandbox.Outcome{}) {
		t.Errorf("outcome = %+v, want clean exit", p.Outcome())
	}
}
