package supervisor

import (
	"fmt"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// OutcomeKind classifies how one run or test case ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	TimedOut
	Killed
	RuntimeError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TimedOut:
		return "timed_out"
	case Killed:
		return "killed"
	case RuntimeError:
		return "runtime_error"
	default:
		return "unknown"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for _, candidate := range []OutcomeKind{Success, TimedOut, Killed, RuntimeError} {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", text)
}

// ExecutionOutcome is the result of one run or one test case.
type ExecutionOutcome struct {
	Kind     OutcomeKind   `json:"kind"`
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed"`
	Message  string        `json:"message,omitempty"`
}

func outcomeOf(o sandbox.Outcome, elapsed time.Duration) ExecutionOutcome {
	switch {
	case o.Killed:
		return ExecutionOutcome{Kind: Killed, Elapsed: elapsed}
	case o.Err != nil:
		return ExecutionOutcome{Kind: RuntimeError, Elapsed: elapsed, Message: o.Err.Error()}
	default:
		return ExecutionOutcome{Kind: Success, ExitCode: o.ExitCode, Elapsed: elapsed}
	}
}

// CaseResult is the verdict for the test case at Index.
type CaseResult struct {
	Index   int              `json:"index"`
	Passed  bool             `json:"passed"`
	Outcome ExecutionOutcome `json:"outcome"`
}

// Report aggregates a grading pass. Cases are in suite order.
type Report struct {
	Passed int           `json:"passed"`
	Failed int           `json:"failed"`
	Cases  []CaseResult  `json:"cases"`
	Total  time.Duration `json:"total"`
}

func (r *Report) add(c CaseResult) {
	if c.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
	r.Cases = append(r.Cases, c)
}
