// File: cmd/confirm.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/xops-dev/taskpilot/internal/safety"
)

// stdinIsTerminal is a variable for test injection.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// confirmationChannel returns the interactive prompt channel, or nil when
// stdin is not a terminal. A nil channel makes the run non-interactive:
// the gate denies anything above the safe tier instead of prompting into
// a pipe.
func confirmationChannel() safety.ConfirmationChannel {
	if !stdinIsTerminal() {
		return nil
	}
	return newStdinChannel()
}

// stdinChannel resolves confirmation prompts interactively on the
// terminal. Answers are read on a goroutine so an interrupt signal can
// cancel a pending prompt.
type stdinChannel struct {
	in  io.Reader
	out io.Writer
}

func newStdinChannel() *stdinChannel {
	return &stdinChannel{in: os.Stdin, out: os.Stdout}
}

// Confirm prints the prompt and waits for a y/N answer. Anything other
// than an explicit yes is a no. A canceled context denies the step.
func (c *stdinChannel) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintf(c.out, "\n%s\nProceed? [y/N]: ", prompt)

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		reader := bufio.NewReader(c.in)
		line, err := reader.ReadString('\n')
		ch <- answer{text: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out, "\nInterrupted; treating as denial.")
		return false, nil
	case a := <-ch:
		if a.err != nil && a.text == "" {
			// EOF with no input (piped stdin ran dry) reads as a no.
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(a.text)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
