package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/cellrun/api"
	"github.com/guseggert/cellrun/runner"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const windowTag = "cli"

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalSize(f *os.File) *api.Winsize {
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return nil
	}
	return &api.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
}

// makeRaw puts the terminal in raw mode, so that keystrokes, Ctrl-C included, reach the remote pty.
func makeRaw(f *os.File) (restore func(), err error) {
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(int(f.Fd()), state) }, nil
}

// watchResize forwards the terminal size to the session until ctx is done.
func watchResize(ctx context.Context, log *zap.SugaredLogger, s *runner.ProgramSession, f *os.File) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			ws := terminalSize(f)
			if ws == nil {
				continue
			}
			err := s.SetDimensions(*ws, windowTag)
			if err != nil {
				log.Debugf("forwarding window size: %s", err)
			}
		}
	}
}

// forwardInput copies in to the program's stdin. EOF closes the program's stdin.
func forwardInput(log *zap.SugaredLogger, s *runner.ProgramSession, in io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if sendErr := s.HandleInput(buf[:n]); sendErr != nil {
				log.Debugf("forwarding input: %s", sendErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if closeErr := s.CloseInput(); closeErr != nil {
					log.Debugf("closing input: %s", closeErr)
				}
			}
			return
		}
	}
}

// stopOnInterrupt stops the program when the CLI is interrupted, until ctx is done.
func stopOnInterrupt(ctx context.Context, log *zap.SugaredLogger, s *runner.ProgramSession) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			err := s.Close()
			if err != nil {
				log.Warnf("stopping program: %s", err)
			}
		}
	}
}
