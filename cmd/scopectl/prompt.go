package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/chronologos/scopelink/internal/acquisition"
	"github.com/chronologos/scopelink/internal/protocol"
)

// interactive reports whether prompts can be answered by a person.
var interactive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

var stdin = &lineReader{src: os.Stdin}

// ask prints question on stderr and reads one trimmed, lowercased line.
func ask(ctx context.Context, question string) (string, error) {
	return stdin.ask(ctx, os.Stderr, question)
}

type answer struct {
	line string
	err  error
}

// lineReader reads src on a single goroutine started by the first ask. A
// prompt abandoned on cancellation leaves the pending line for the next
// prompt instead of a second reader racing on src.
type lineReader struct {
	src   io.Reader
	once  sync.Once
	lines chan answer
}

func (l *lineReader) ask(ctx context.Context, w io.Writer, question string) (string, error) {
	l.once.Do(func() {
		l.lines = make(chan answer)
		go l.read()
	})
	fmt.Fprint(w, question)
	select {
	case a, ok := <-l.lines:
		if !ok {
			return "", io.EOF
		}
		return a.line, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *lineReader) read() {
	defer close(l.lines)
	br := bufio.NewReader(l.src)
	for {
		line, err := br.ReadString('\n')
		l.lines <- answer{strings.ToLower(strings.TrimSpace(line)), err}
		if err != nil {
			return
		}
	}
}

// manualFocusPrompt asks the operator what to do when autofocus needs help.
// Non-interactive sessions always skip.
func manualFocusPrompt(ctx context.Context, req protocol.ManualFocusRequest) acquisition.Decision {
	if !interactive() {
		fmt.Fprintln(os.Stderr, "manual focus requested; skipping autofocus (no terminal)")
		return acquisition.Skip
	}
	q := fmt.Sprintf("\nautofocus needs help (%d retries left). Refocus, then [r]etry, [s]kip or [c]ancel: ",
		req.RetriesRemaining)
	for {
		line, err := ask(ctx, q)
		if err != nil {
			return acquisition.Skip
		}
		switch line {
		case "r", "retry":
			return acquisition.Retry
		case "s", "skip", "":
			return acquisition.Skip
		case "c", "cancel":
			return acquisition.Cancel
		}
	}
}

// stageMovePrompt confirms a server-requested stage move. assumeYes answers
// for non-interactive sessions.
func stageMovePrompt(assumeYes bool) func(string) bool {
	return func(msg string) bool {
		if !interactive() {
			if !assumeYes {
				fmt.Fprintf(os.Stderr, "stage move requested (%s); declined (use --yes)\n", msg)
			}
			return assumeYes
		}
		line, err := ask(context.Background(), fmt.Sprintf("\n%s. Continue? [y/N] ", msg))
		return err == nil && (line == "y" || line == "yes")
	}
}
