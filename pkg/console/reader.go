package console

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/frjcomp/dropprobe/pkg/logging"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// NewLineReader returns a readline prompt with history when in is a
// terminal and a plain line scanner otherwise, so piped input works too.
func NewLineReader(in *os.File, out io.Writer) (LineReader, error) {
	if !IsTerminal(in) {
		return NewPlainReader(in, out), nil
	}

	if err := flushStdin(in); err != nil {
		logging.Debugf("stdin flush failed: %v", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		Stdin:           in,
		Stdout:          out,
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start prompt: %w", err)
	}
	return rl, nil
}

// PlainReader prints the prompt and reads lines from any io.Reader.
type PlainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewPlainReader creates a reader over in that echoes the prompt to out.
func NewPlainReader(in io.Reader, out io.Writer) *PlainReader {
	return &PlainReader{scanner: bufio.NewScanner(in), out: out}
}

func (p *PlainReader) Readline() (string, error) {
	fmt.Fprint(p.out, Prompt)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.scanner.Text(), nil
}

func (p *PlainReader) Close() error {
	return nil
}
