package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ReadLine reads up to and excluding the next newline, one byte at a time so
// nothing past the line is consumed.
func ReadLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(b[0])
		}
		if err != nil {
			if sb.Len() > 0 && err == io.EOF {
				return sb.String(), nil
			}
			return sb.String(), err
		}
	}
}

// Print writes text to stdout and exits with code.
func Print(text string, code int) Program {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		io.WriteString(stdout, text)
		return code
	}
}

// Square reads an integer line and prints prefix followed by its square.
func Square(prefix string) Program {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		line, err := ReadLine(stdin)
		if err != nil {
			return 1
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintf(stderr, "ValueError: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s%d\n", prefix, n*n)
		return 0
	}
}

// Delay waits for d (or until killed) before running next.
func Delay(d time.Duration, next Program) Program {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 137
		}
		return next(ctx, stdin, stdout, stderr)
	}
}

// Hang blocks until killed.
func Hang() Program {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		<-ctx.Done()
		return 137
	}
}

// Echo prints a prompt, then echoes every input line back until EOF or "quit".
func Echo(prompt string) Program {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		for {
			if _, err := io.WriteString(stdout, prompt); err != nil {
				return 1
			}
			line, err := ReadLine(stdin)
			if err != nil {
				return 0
			}
			if line == "quit" {
				return 0
			}
			if _, err := fmt.Fprintf(stdout, "got %s\n", line); err != nil {
				return 1
			}
		}
	}
}
