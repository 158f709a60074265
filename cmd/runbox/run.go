package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	urlFlag   string
	gradeFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run or grade a file on a runbox server",
	Long: `Submit a source file to a runbox server and attach the terminal to it.
Program output is printed as it arrives; lines you type are sent as input.
Ctrl+C stops the run.

Examples:
  runbox run square.py
  runbox run square.py --grade
  runbox run square.py --url ws://runbox.internal:8080/ws`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:8080/ws", "Server websocket URL")
	runCmd.Flags().BoolVar(&gradeFlag, "grade", false, "Grade against the server's suite instead of running interactively")
	rootCmd.AddCommand(runCmd)
}

// clientMessage and serverMessage mirror the server's websocket protocol.
type clientMessage struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
	Text string `json:"text,omitempty"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Report  *struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	} `json:"report,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(urlFlag, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", urlFlag, err)
	}
	defer conn.Close()

	// Mutex for writes: the input loop and the start message share the socket.
	var wsMu sync.Mutex
	send := func(msg clientMessage) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return conn.WriteJSON(msg)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	startType := "start-run"
	if gradeFlag {
		startType = "start-grade"
	}
	if err := send(clientMessage{Type: startType, Code: string(code)}); err != nil {
		return fmt.Errorf("sending code: %w", err)
	}

	go func() {
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				send(clientMessage{Type: "stop"})
				continue
			}
			if err != nil {
				return
			}
			if send(clientMessage{Type: "supply-input", Text: line}) != nil {
				return
			}
		}
	}()

	return readServer(conn, rl.Stdout())
}

// readServer prints server events until the run is over.
func readServer(conn *websocket.Conn, out io.Writer) error {
	var failed int
	var runFailed bool

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "terminal-output":
			fmt.Fprint(out, msg.Text)
		case "clear-terminal":
			fmt.Fprint(out, "\033[H\033[2J")
		case "execution-result":
			fmt.Fprintf(out, "\n\033[90m%s\033[0m\n", msg.Text)
			if msg.Report != nil {
				failed = msg.Report.Failed
			}
			runFailed = strings.HasPrefix(msg.Text, "Run failed")
		case "run-eligible":
			switch {
			case failed > 0:
				return fmt.Errorf("%d test case(s) failed", failed)
			case runFailed:
				return errors.New("run failed")
			}
			return nil
		}
	}
}
