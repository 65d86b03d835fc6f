package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/guseggert/cellrun/resolve"
	"golang.org/x/term"
)

// Terminal prompts for variable values on a line-oriented terminal.
// An empty answer accepts the placeholder when it is a usable default. End of input cancels the prompt.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	// fd is the terminal input, used to read secrets without echo. It is -1 when input is not a terminal.
	fd int
}

// New prompts on f, writing questions to out.
func New(f *os.File, out io.Writer) *Terminal {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	return &Terminal{in: bufio.NewReader(f), out: out, fd: fd}
}

// NewFromReader prompts on a plain reader. Secrets are read like any other value.
func NewFromReader(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, fd: -1}
}

func (t *Terminal) Prompt(ctx context.Context, req resolve.PromptRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if req.PlaceholderIsDefault {
		fmt.Fprintf(t.out, "%s [%s]: ", req.Name, req.Placeholder)
	} else {
		fmt.Fprintf(t.out, "%s (%s): ", req.Name, req.Placeholder)
	}

	var (
		answer string
		err    error
	)
	if req.Secret && t.fd >= 0 {
		var b []byte
		b, err = term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		answer = string(b)
	} else {
		answer, err = t.in.ReadString('\n')
		if errors.Is(err, io.EOF) && answer != "" {
			err = nil
		}
	}
	if errors.Is(err, io.EOF) {
		return "", resolve.ErrPromptCancelled
	}
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}

	answer = strings.TrimRight(answer, "\r\n")
	if answer == "" && req.PlaceholderIsDefault {
		return req.Placeholder, nil
	}
	return answer, nil
}
