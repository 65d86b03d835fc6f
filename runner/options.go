package runner

import (
	"fmt"

	"github.com/guseggert/cellrun/api"
)

// RunOptions describes one program invocation.
// The session keeps its own copy; changes made by the caller after CreateProgramSession are not seen.
type RunOptions struct {
	ProgramName string
	Args        []string
	Directory   string
	// Envs are KEY=VALUE entries added to the program's environment.
	Envs []string
	Exec api.Exec

	Tty        bool
	Background bool
	// ConvertEOL rewrites bare "\n" in output to "\r\n". It has no effect with Tty.
	ConvertEOL bool

	LanguageID  string
	CommandMode api.CommandMode

	// Environment binds the program to a remote session.
	Environment *Environment
}

func (o RunOptions) clone() RunOptions {
	o.Args = append([]string(nil), o.Args...)
	o.Envs = append([]string(nil), o.Envs...)
	o.Exec.Commands = append([]string(nil), o.Exec.Commands...)
	return o
}

type ExitReasonKind int

const (
	ExitReasonExit ExitReasonKind = iota + 1
	ExitReasonError
	ExitReasonDisposed
)

// ExitReason records why a ProgramSession ended.
// Code is only meaningful for ExitReasonExit and Err for ExitReasonError.
type ExitReason struct {
	Kind ExitReasonKind
	Code int
	Err  error
}

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitReasonExit:
		return fmt.Sprintf("exit code %d", r.Code)
	case ExitReasonError:
		return fmt.Sprintf("error: %s", r.Err)
	case ExitReasonDisposed:
		return "disposed"
	}
	return "unknown"
}

// TerminalWindowState is the per-window state held by a ProgramSession.
type TerminalWindowState struct {
	Dimensions *api.Winsize
	Opened     bool
}

func cloneWinsize(ws *api.Winsize) *api.Winsize {
	if ws == nil {
		return nil
	}
	c := *ws
	return &c
}
