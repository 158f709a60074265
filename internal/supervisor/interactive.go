package supervisor

import (
	"fmt"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// run drives an interactive execution: one process, output streamed to the
// client and client input forwarded to it until it exits or is killed.
func (c *Controller) run(e *execution) {
	proc, err := c.runtime.Execute(e.ctx, e.box, c.cfg.Command)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.log.Error().Err(err).Msg("starting process")
		c.finish(e, "error", func(s Sink) {
			s.Send(Event{Type: EventTerminalOutput, Text: "Error: " + err.Error() + "\n"})
		})
		return
	}
	if !e.attach(proc) {
		return
	}

	out := proc.Output()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if chunk.Stream == sandbox.Stderr {
				e.emit(Event{Type: EventTerminalOutput, Text: "Error: " + string(chunk.Data)})
				continue
			}
			e.emit(Event{Type: EventTerminalOutput, Text: string(chunk.Data)})
			// There is no way to tell whether the process is blocked on a
			// read, so every stdout chunk opens the input box.
			e.emit(Event{Type: EventRequestInput, Enabled: true})

		case <-proc.Done():
			c.runEnded(e, proc.Outcome())
			return
		}
	}
}

func (c *Controller) runEnded(e *execution, o sandbox.Outcome) {
	out := outcomeOf(o, time.Since(e.started))
	switch out.Kind {
	case Killed:
		// Only an abort kills an interactive process, and it already cleaned up.
		return
	case RuntimeError:
		e.log.Error().Str("error", out.Message).Msg("waiting for process")
		c.finish(e, "error", func(s Sink) {
			s.Send(Event{Type: EventTerminalOutput, Text: "Error: " + out.Message + "\n"})
		})
		return
	}

	result := "success"
	if out.ExitCode != 0 {
		result = "failure"
	}
	c.finish(e, result, func(s Sink) {
		s.Send(Event{Type: EventExecutionResult, Text: runResult(out)})
	})
}

func runResult(out ExecutionOutcome) string {
	if out.ExitCode == 0 {
		return fmt.Sprintf("Run succeeded. Execution time: %.3fs.", out.Elapsed.Seconds())
	}
	return fmt.Sprintf("Run failed with exit code %d. Execution time: %.3fs.", out.ExitCode, out.Elapsed.Seconds())
}
