package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/michaelbrown/runbox/internal/supervisor"
)

func TestSummarize(t *testing.T) {
	report := &supervisor.Report{Passed: 1, Failed: 1}
	events := []supervisor.Event{
		{Type: supervisor.EventClearTerminal},
		{Type: supervisor.EventTerminalOutput, Text: "25\n"},
		{Type: supervisor.EventTerminalOutput, Text: "Test Case 1: Passed (Execution Time: 0.010s)\n"},
		{Type: supervisor.EventTerminalOutput, Text: "Grading Complete: 1 Passed, 1 Failed"},
		{Type: supervisor.EventExecutionResult, Text: "Total execution time: 0.500s.", Report: report},
		{Type: supervisor.EventRunEligible},
	}

	text, got := summarize(events)
	if got != report {
		t.Errorf("report = %+v", got)
	}
	if !strings.HasSuffix(text, "1 Failed\nTotal execution time: 0.500s.") {
		t.Errorf("text = %q", text)
	}
}

func TestSummarizeTruncates(t *testing.T) {
	events := []supervisor.Event{
		{Type: supervisor.EventTerminalOutput, Text: strings.Repeat("x", maxToolText+10)},
	}
	text, report := summarize(events)
	if report != nil {
		t.Error("unexpected report")
	}
	if !strings.HasSuffix(text, "(output truncated)") {
		t.Errorf("text not truncated: %d bytes", len(text))
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes, so the limit falls inside one.
	events := []supervisor.Event{
		{Type: supervisor.EventTerminalOutput, Text: "x" + strings.Repeat("é", maxToolText)},
	}
	text, _ := summarize(events)
	if !utf8.ValidString(text) {
		t.Errorf("truncated text is not valid UTF-8: %q", text[len(text)-40:])
	}
	if !strings.HasSuffix(text, "(output truncated)") {
		t.Error("text not truncated")
	}
}
