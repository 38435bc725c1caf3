// Package console is the interactive mode: a prompt that forwards each line
// to the server and prints what comes back.
package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/frjcomp/dropprobe/pkg/logging"
)

// Prompt is shown before every input line.
const Prompt = "client> "

// LineReader yields one input line per call and io.EOF when input ends.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Exchanger sends one command line and returns the drained response.
type Exchanger interface {
	SendCommand(text string, settle time.Duration) string
	ReadAvailable(timeout time.Duration) string
}

// Console reads commands from a LineReader and forwards them to the server.
type Console struct {
	conn        Exchanger
	in          LineReader
	out         io.Writer
	settle      time.Duration
	readTimeout time.Duration
	log         zerolog.Logger
}

// New creates a console. settle is the delay between sending a line and
// draining the reply; readTimeout bounds the initial greeting drain.
func New(conn Exchanger, in LineReader, out io.Writer, settle, readTimeout time.Duration) *Console {
	return &Console{
		conn:        conn,
		in:          in,
		out:         out,
		settle:      settle,
		readTimeout: readTimeout,
		log:         logging.WithComponent("console"),
	}
}

// Run prints the help, shows any greeting, then loops until quit, exit or
// end of input. The server's replies are never interpreted.
func (c *Console) Run() error {
	printHelp(c.out)

	if greeting := c.conn.ReadAvailable(c.readTimeout); greeting != "" {
		c.printReply(greeting)
	}

	for {
		input, err := c.in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if isExit(input) {
			c.log.Debug().Msg("leaving interactive mode")
			return nil
		}

		fmt.Fprintf(c.out, "Sending: %s\n", input)
		c.printReply(c.conn.SendCommand(input, c.settle))
	}
}

func (c *Console) printReply(reply string) {
	if reply == "" {
		fmt.Fprintln(c.out, "No response from server")
		return
	}
	fmt.Fprintf(c.out, "Server: %s\n", strings.TrimRight(reply, "\r\n"))
}

func isExit(input string) bool {
	return strings.EqualFold(input, "quit") || strings.EqualFold(input, "exit")
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "\n=== Interactive Mode ===")
	fmt.Fprintln(w, "Available commands:")
	fmt.Fprintln(w, "  SIGNUP <username> <password>")
	fmt.Fprintln(w, "  LOGIN <username> <password>")
	fmt.Fprintln(w, "  UPLOAD <filename>")
	fmt.Fprintln(w, "  DOWNLOAD <filename>")
	fmt.Fprintln(w, "  DELETE <filename>")
	fmt.Fprintln(w, "  LIST")
	fmt.Fprintln(w, "Type 'quit' or 'exit' to leave interactive mode")
	fmt.Fprintln(w)
}
