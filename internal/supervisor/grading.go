package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/suite"
)

// errAborted marks a grading pass cut short by its own execution closing.
var errAborted = errors.New("grading aborted")

// tap is where a grading pass sends its events and registers each process.
type tap interface {
	emit(Event) bool
	attach(sandbox.Process) bool
}

// Grader runs a submission against every case of a suite, one fresh process
// per case, all in the same sandbox.
type Grader struct {
	runtime sandbox.Runtime
	command []string
	suite   *suite.Suite
}

// NewGrader creates a Grader for s.
func NewGrader(rt sandbox.Runtime, command []string, s *suite.Suite) *Grader {
	return &Grader{runtime: rt, command: command, suite: s}
}

// Grade runs the cases in order. A case that cannot be run at all stops the
// pass and is returned as an error along with the results so far.
func (g *Grader) Grade(ctx context.Context, box sandbox.Handle, t tap) (*Report, error) {
	start := time.Now()
	report := &Report{Cases: make([]CaseResult, 0, len(g.suite.Cases))}

	for i, tc := range g.suite.Cases {
		if ctx.Err() != nil {
			return report, errAborted
		}
		res, err := g.runCase(ctx, box, t, i, tc)
		if err != nil {
			return report, err
		}
		report.add(res)
	}

	report.Total = time.Since(start)
	return report, nil
}

func (g *Grader) runCase(ctx context.Context, box sandbox.Handle, t tap, i int, tc suite.Case) (CaseResult, error) {
	proc, err := g.runtime.Execute(ctx, box, g.command)
	if err != nil {
		return CaseResult{}, fmt.Errorf("test case %d: %w", i+1, err)
	}
	if !t.attach(proc) {
		return CaseResult{}, errAborted
	}

	began := time.Now()
	proc.WriteInput([]byte(tc.Input))

	timeout := g.suite.Timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout strings.Builder
	out := proc.Output()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if chunk.Stream == sandbox.Stderr {
				t.emit(Event{Type: EventTerminalOutput, Text: "Error: " + string(chunk.Data)})
				continue
			}
			stdout.Write(chunk.Data)
			t.emit(Event{Type: EventTerminalOutput, Text: string(chunk.Data)})

		case <-proc.Done():
			o := proc.Outcome()
			out := outcomeOf(o, time.Since(began))
			switch out.Kind {
			case Killed:
				return CaseResult{}, errAborted
			case RuntimeError:
				return CaseResult{Index: i, Outcome: out}, fmt.Errorf("test case %d: %w", i+1, o.Err)
			}
			return g.verdict(t, i, tc, out, stdout.String()), nil

		case <-timer.C:
			proc.Kill()
			elapsed := time.Since(began)
			t.emit(Event{
				Type: EventTerminalOutput,
				Text: fmt.Sprintf("Test Case %d: Failed (Execution time exceeded %s)\n", i+1, timeout),
			})
			observeCase("timeout", elapsed)
			return CaseResult{
				Index:   i,
				Outcome: ExecutionOutcome{Kind: TimedOut, Elapsed: elapsed},
			}, nil

		case <-ctx.Done():
			proc.Kill()
			return CaseResult{}, errAborted
		}
	}
}

// verdict judges a case whose process exited on its own. The exit code is
// recorded but does not affect the verdict.
func (g *Grader) verdict(t tap, i int, tc suite.Case, out ExecutionOutcome, stdout string) CaseResult {
	res := CaseResult{Index: i, Outcome: out}
	elapsed := out.Elapsed

	var text string
	switch {
	case elapsed > g.suite.Timeout:
		res.Outcome.Kind = TimedOut
		text = fmt.Sprintf("Test Case %d: Failed (Timeout, Execution Time: %.3fs)\n", i+1, elapsed.Seconds())
		observeCase("timeout", elapsed)
	case strings.Contains(stdout, tc.Expected):
		res.Passed = true
		text = fmt.Sprintf("Test Case %d: Passed (Execution Time: %.3fs)\n", i+1, elapsed.Seconds())
		observeCase("passed", elapsed)
	default:
		text = fmt.Sprintf("Test Case %d: Failed\n", i+1)
		observeCase("failed", elapsed)
	}
	t.emit(Event{Type: EventTerminalOutput, Text: text})
	return res
}

func observeCase(result string, elapsed time.Duration) {
	metrics.CasesTotal.WithLabelValues(result).Inc()
	metrics.CaseDuration.Observe(elapsed.Seconds())
}

// grade drives a grading execution and reports the summary.
func (c *Controller) grade(e *execution) {
	report, err := c.grader.Grade(e.ctx, e.box, e)
	switch {
	case errors.Is(err, errAborted), e.ctx.Err() != nil:
		return
	case err != nil:
		e.log.Error().Err(err).Int("completed", len(report.Cases)).Msg("grading stopped")
		c.finish(e, "error", func(s Sink) {
			s.Send(Event{Type: EventTerminalOutput, Text: "Error: " + err.Error() + "\n"})
		})
		return
	}

	outcome := "success"
	if report.Failed > 0 {
		outcome = "failure"
	}
	c.finish(e, outcome, func(s Sink) {
		s.Send(Event{
			Type: EventTerminalOutput,
			Text: fmt.Sprintf("Grading Complete: %d Passed, %d Failed", report.Passed, report.Failed),
		})
		s.Send(Event{
			Type:   EventExecutionResult,
			Text:   fmt.Sprintf("Total execution time: %.3fs.", report.Total.Seconds()),
			Report: report,
		})
	})
}
