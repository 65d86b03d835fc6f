package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidLanguage = errors.New("invalid language")
	ErrInvalidProgram  = errors.New("invalid program name")
	ErrInvalidStartMsg = errors.New("first message must contain a program config")
)

// Session is an engine-held execution context.
// Envs is the snapshot of environment variables the engine captured, as KEY=VALUE entries.
type Session struct {
	ID       string            `json:"id"`
	Envs     []string          `json:"envs"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Project struct {
	// Root is the project directory.
	Root string `json:"root"`
	// SmartEnvStore makes the engine load the project's .env and .env.local files into new sessions.
	SmartEnvStore bool `json:"smartEnvStore"`
}

type CreateSessionRequest struct {
	Envs     []string          `json:"envs"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Project  *Project          `json:"project,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// CommandMode is the strategy used to hand cell text to the engine.
type CommandMode string

const (
	// CommandModeInline runs the cell line by line in a shell.
	CommandModeInline CommandMode = "inline"
	// CommandModeTempFile writes the whole cell to a temporary file which is passed to the program.
	CommandModeTempFile CommandMode = "tempfile"
	// CommandModeTemplate is the template-substitution variant; the cell is sent as one opaque script.
	CommandModeTemplate CommandMode = "template"
)

// ResolveMode controls which variables the client is asked to prompt for.
type ResolveMode string

const (
	ResolveModeAuto    ResolveMode = "auto"
	ResolveModePrompt  ResolveMode = "prompt"
	ResolveModeSkipAll ResolveMode = "skip"
)

type VarStatus string

const (
	VarStatusUnspecified               VarStatus = "UNSPECIFIED"
	VarStatusResolved                  VarStatus = "RESOLVED"
	VarStatusUnresolvedWithMessage     VarStatus = "UNRESOLVED_WITH_MESSAGE"
	VarStatusUnresolvedWithPlaceholder VarStatus = "UNRESOLVED_WITH_PLACEHOLDER"
	VarStatusUnresolvedWithScript      VarStatus = "UNRESOLVED_WITH_SCRIPT"
)

// VarResult is the engine's verdict for one variable exported by a script.
type VarResult struct {
	Name          string    `json:"name"`
	Status        VarStatus `json:"status"`
	OriginalValue string    `json:"originalValue"`
	ResolvedValue string    `json:"resolvedValue"`
}

// ResolveVariablesRequest carries either Commands (one entry per line) or Script.
type ResolveVariablesRequest struct {
	Commands   []string    `json:"commands,omitempty"`
	Script     string      `json:"script,omitempty"`
	LanguageID string      `json:"languageId"`
	Mode       ResolveMode `json:"mode"`
	SessionID  string      `json:"sessionId,omitempty"`
	Env        []string    `json:"env,omitempty"`
}

type ResolveVariablesResponse struct {
	// Script is the normalized script body, with the statements the client is expected to replace removed.
	Script string      `json:"script"`
	Vars   []VarResult `json:"vars"`
}

// ExecType tags the payload of an Exec.
type ExecType string

const (
	ExecTypeCommands ExecType = "commands"
	ExecTypeScript   ExecType = "script"
)

// Exec is either an ordered list of commands or a single opaque script.
type Exec struct {
	Type     ExecType `json:"type"`
	Commands []string `json:"commands,omitempty"`
	Script   string   `json:"script,omitempty"`
}

func Commands(cmds ...string) Exec { return Exec{Type: ExecTypeCommands, Commands: cmds} }

func Script(s string) Exec { return Exec{Type: ExecTypeScript, Script: s} }

type Winsize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
	X    uint16 `json:"x,omitempty"`
	Y    uint16 `json:"y,omitempty"`
}

type StopSignal string

const (
	StopInterrupt StopSignal = "interrupt"
	StopKill      StopSignal = "kill"
)

// ProgramConfig is sent in the first message of an Execute stream.
type ProgramConfig struct {
	ProgramName string      `json:"programName"`
	Arguments   []string    `json:"arguments,omitempty"`
	Directory   string      `json:"directory,omitempty"`
	Env         []string    `json:"env,omitempty"`
	Commands    []string    `json:"commands,omitempty"`
	Script      string      `json:"script,omitempty"`
	Tty         bool        `json:"tty"`
	Background  bool        `json:"background"`
	LanguageID  string      `json:"languageId,omitempty"`
	CommandMode CommandMode `json:"commandMode,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`
	Winsize     *Winsize    `json:"winsize,omitempty"`
}

// ExecuteRequest is a client->engine message.
// Only the first message contains the Config; subsequent messages carry input, window size or a stop signal.
type ExecuteRequest struct {
	Config    *ProgramConfig `json:"config,omitempty"`
	InputData []byte         `json:"inputData,omitempty"`
	InputDone bool           `json:"inputDone,omitempty"`
	Winsize   *Winsize       `json:"winsize,omitempty"`
	Stop      StopSignal     `json:"stop,omitempty"`
}

// ExecuteResponse is an engine->client message.
// Only the last message of the stream contains the ExitCode.
type ExecuteResponse struct {
	StdoutData []byte `json:"stdoutData,omitempty"`
	StderrData []byte `json:"stderrData,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	PID        *int   `json:"pid,omitempty"`
}

// ExecuteStream is the client side of one Execute stream.
type ExecuteStream interface {
	Send(req *ExecuteRequest) error
	// Recv returns io.EOF once the engine completed the stream.
	Recv() (*ExecuteResponse, error)
	// CloseSend completes the outbound side of the stream.
	CloseSend() error
	// Close releases the underlying connection.
	Close() error
}

// ParseEnv splits KEY=VALUE entries on the first '='. Later duplicates win.
// Entries without a '=' are ignored.
func ParseEnv(envs []string) map[string]string {
	m := make(map[string]string, len(envs))
	for _, e := range envs {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// DecodeError maps an error message received from the engine back to the known error it was built from,
// so that callers can use errors.Is across the wire.
func DecodeError(msg string) error {
	for _, known := range []error{ErrSessionNotFound, ErrInvalidLanguage, ErrInvalidProgram, ErrInvalidStartMsg} {
		if strings.HasPrefix(msg, known.Error()) {
			return fmt.Errorf("%w%s", known, strings.TrimPrefix(msg, known.Error()))
		}
	}
	return errors.New(msg)
}
