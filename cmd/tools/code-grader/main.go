package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/runbox/internal/bootstrap"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

const (
	runTimeout  = 30 * time.Second
	maxToolText = 4000
)

type grader struct {
	ctrl *supervisor.Controller
}

func main() {
	cfg, err := bootstrap.LoadConfig(os.Getenv("RUNBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// Logs go to stderr; stdout carries the MCP protocol.
	logger := bootstrap.Logger(cfg)

	ctx := context.Background()
	rt, closeRuntime, err := bootstrap.Runtime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting runtime: %v\n", err)
		os.Exit(1)
	}
	defer closeRuntime()

	ctrl, err := bootstrap.Controller(cfg, rt, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		ctrl.Shutdown(shutdownCtx)
	}()

	g := &grader{ctrl: ctrl}
	s := server.NewMCPServer("runbox-code-grader", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "grade_code",
		Description: fmt.Sprintf("Grade a program against the %q suite (%d cases, %s per case). "+
			"The program reads each case's input from stdin and passes if its stdout contains the expected output.",
			ctrl.Suite().Name, len(ctrl.Suite().Cases), ctrl.Suite().Timeout),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to grade",
				},
			},
			Required: []string{"code"},
		},
	}, g.handleGrade)

	s.AddTool(mcp.Tool{
		Name:        "run_code",
		Description: "Run a program once in a fresh sandbox and return its output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input lines to provide to the program (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, g.handleRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func (g *grader) handleGrade(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	code, _ := args["code"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	events, err := g.execute(ctx, func(clientID string) error {
		return g.ctrl.StartGrade(ctx, clientID, code)
	}, nil)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text, report := summarize(events)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: report == nil,
	}, nil
}

func (g *grader) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	var lines []string
	if stdin != "" {
		lines = strings.Split(strings.TrimSuffix(stdin, "\n"), "\n")
	}

	events, err := g.execute(ctx, func(clientID string) error {
		return g.ctrl.StartRun(ctx, clientID, code)
	}, lines)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text, _ := summarize(events)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !strings.Contains(text, "Run succeeded"),
	}, nil
}

// execute runs one execution as a throwaway client and returns everything
// it emitted. Runs that outlive runTimeout are stopped.
func (g *grader) execute(ctx context.Context, start func(clientID string) error, input []string) ([]supervisor.Event, error) {
	clientID := "mcp-" + uuid.NewString()
	rec := supervisor.NewRecorder()
	g.ctrl.Connect(clientID, rec)
	defer g.ctrl.Disconnect(clientID)

	if err := start(clientID); err != nil {
		return nil, err
	}
	for _, line := range input {
		g.ctrl.SupplyInput(clientID, line)
	}

	waitCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if _, err := rec.WaitEligible(waitCtx, 1); err != nil {
		g.ctrl.Stop(clientID)
	}
	return rec.Events(), nil
}

// summarize renders the transcript plus the result line, and returns the
// grading report if there was one.
func summarize(events []supervisor.Event) (string, *supervisor.Report) {
	var b strings.Builder
	var report *supervisor.Report
	for _, ev := range events {
		switch ev.Type {
		case supervisor.EventTerminalOutput:
			b.WriteString(ev.Text)
		case supervisor.EventExecutionResult:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteString("\n")
			}
			b.WriteString(ev.Text)
			report = ev.Report
		}
	}

	text := b.String()
	if len(text) > maxToolText {
		cut := maxToolText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n... (output truncated)"
	}
	return text, report
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
