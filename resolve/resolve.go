package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
)

var (
	// ErrResolutionCancelled is returned when the user cancelled a prompt. Nothing of the cell may be run.
	ErrResolutionCancelled = errors.New("variable resolution cancelled")
	// ErrPromptCancelled is returned by a Prompter when the user dismissed the prompt.
	ErrPromptCancelled = errors.New("prompt cancelled")
)

const defaultPlaceholder = "Enter a value please"

type PromptRequest struct {
	Name        string
	Placeholder string
	// PlaceholderIsDefault is true when the placeholder is a usable value and not a message.
	PlaceholderIsDefault bool
	Secret               bool
}

// Prompter asks the user for the value of a variable.
type Prompter interface {
	// Prompt returns ErrPromptCancelled if the user cancelled.
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

type Client interface {
	ResolveVariables(ctx context.Context, req *api.ResolveVariablesRequest) (*api.ResolveVariablesResponse, error)
}

// Request is the resolution context of one cell execution.
type Request struct {
	Text        string
	LanguageID  string
	CommandMode api.CommandMode
	PromptMode  api.ResolveMode

	// SessionID binds resolution to a remote session.
	SessionID string
	// KnownEnvNames are variables the bound session already holds.
	// They are not sent again with the Env snapshot.
	KnownEnvNames []string
	// Env is the environment snapshot as KEY=VALUE entries.
	Env []string
	// SecretNames are variables whose value must not be echoed when prompted for.
	SecretNames []string
}

type Resolver struct {
	log      *zap.SugaredLogger
	client   Client
	prompter Prompter
}

type Option func(r *Resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.log = l.Named("resolver").Sugar()
	}
}

func New(client Client, prompter Prompter, opts ...Option) *Resolver {
	r := &Resolver{
		log:      zap.NewNop().Sugar(),
		client:   client,
		prompter: prompter,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type blockKind int

const (
	blockSingle blockKind = iota
	blockScript
)

type commandBlock struct {
	kind    blockKind
	content string
}

// Resolve turns cell text into the payload of a program execution.
// Outside of inline mode the text is returned as one script. In inline mode, the engine resolves the
// variables exported by the cell and the user is prompted, one variable at a time, for those it could not resolve.
// Accepted values become export commands placed before the script, in the order the engine reported them.
// If a prompt is cancelled, ErrResolutionCancelled is returned and no payload is built.
func (r *Resolver) Resolve(ctx context.Context, req Request) (api.Exec, error) {
	if req.CommandMode != api.CommandModeInline {
		return api.Script(req.Text), nil
	}

	resp, err := r.client.ResolveVariables(ctx, &api.ResolveVariablesRequest{
		Commands:   SplitCommands(req.Text, req.LanguageID),
		LanguageID: req.LanguageID,
		Mode:       req.PromptMode,
		SessionID:  req.SessionID,
		Env:        envSnapshot(req),
	})
	if err != nil {
		return api.Exec{}, err
	}

	secrets := map[string]bool{}
	for _, n := range req.SecretNames {
		secrets[n] = true
	}

	var blocks []commandBlock
	for _, v := range resp.Vars {
		var value string
		switch v.Status {
		case api.VarStatusResolved:
			r.log.Debugw("variable resolved by engine", "Name", v.Name)
			continue
		case api.VarStatusUnresolvedWithMessage, api.VarStatusUnresolvedWithPlaceholder:
			value, err = r.prompter.Prompt(ctx, PromptRequest{
				Name:                 v.Name,
				Placeholder:          placeholder(v),
				PlaceholderIsDefault: v.Status == api.VarStatusUnresolvedWithPlaceholder,
				Secret:               secrets[v.Name],
			})
			if errors.Is(err, ErrPromptCancelled) {
				r.log.Debugw("prompt cancelled, aborting resolution", "Name", v.Name)
				return api.Exec{}, ErrResolutionCancelled
			}
			if err != nil {
				return api.Exec{}, fmt.Errorf("prompting for %s: %w", v.Name, err)
			}
		default:
			continue
		}
		if value == "" {
			continue
		}
		blocks = append(blocks, commandBlock{kind: blockSingle, content: fmt.Sprintf("export %s=\"%s\"", v.Name, value)})
	}
	blocks = append(blocks, commandBlock{kind: blockScript, content: resp.Script})

	var commands []string
	for _, b := range blocks {
		switch b.kind {
		case blockSingle:
			commands = append(commands, b.content)
		case blockScript:
			commands = append(commands, trimTrailingEmpty(SplitCommands(b.content, req.LanguageID))...)
		}
	}
	if len(commands) == 0 {
		// the engine requires at least one command
		commands = []string{""}
	}
	return api.Commands(commands...), nil
}

func placeholder(v api.VarResult) string {
	if v.ResolvedValue != "" {
		return v.ResolvedValue
	}
	if v.OriginalValue != "" {
		return v.OriginalValue
	}
	return defaultPlaceholder
}

func envSnapshot(req Request) []string {
	if req.SessionID == "" || len(req.KnownEnvNames) == 0 {
		return req.Env
	}
	known := map[string]bool{}
	for _, n := range req.KnownEnvNames {
		known[n] = true
	}
	var env []string
	for _, e := range req.Env {
		name, _, _ := strings.Cut(e, "=")
		if !known[name] {
			env = append(env, e)
		}
	}
	return env
}

func trimTrailingEmpty(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
