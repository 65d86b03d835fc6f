package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/syntax"
)

var (
	ErrRunnerDisposed = errors.New("runner disposed")
	ErrInvalidVarName = errors.New("invalid variable name")
)

// Client is the part of the remote execution engine used by a Runner.
type Client interface {
	CreateSession(ctx context.Context, req *api.CreateSessionRequest) (*api.Session, error)
	GetSession(ctx context.Context, id string) (*api.Session, error)
	DeleteSession(ctx context.Context, id string) error
	Execute(ctx context.Context) (api.ExecuteStream, error)
}

// Runner creates Environments and ProgramSessions against one client, and disposes them all when it is disposed.
// Children remove themselves from the Runner when they are disposed on their own.
type Runner struct {
	log    *zap.SugaredLogger
	client Client

	mu       sync.Mutex
	children map[any]func(context.Context)
	disposed bool
}

type Option func(r *Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l.Named("runner").Sugar()
	}
}

func New(client Client, opts ...Option) *Runner {
	r := &Runner{
		log:      zap.NewNop().Sugar(),
		client:   client,
		children: map[any]func(context.Context){},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) track(child any, dispose func(context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrRunnerDisposed
	}
	r.children[child] = dispose
	return nil
}

func (r *Runner) forget(child any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, child)
}

// CreateEnvironment creates a session on the engine.
// root is the project directory. With smartEnvStore the engine loads the project's dotenv files into the session.
func (r *Runner) CreateEnvironment(ctx context.Context, root string, smartEnvStore bool, envs []string, metadata map[string]string) (*Environment, error) {
	if r.isDisposed() {
		return nil, ErrRunnerDisposed
	}
	req := &api.CreateSessionRequest{
		Envs:     envs,
		Metadata: metadata,
		Project:  &api.Project{Root: root, SmartEnvStore: smartEnvStore},
	}
	sess, err := r.client.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.adoptEnvironment(ctx, sess, false)
}

// OpenEnvironment attaches to an existing session on the engine.
// Disposing the returned Environment, or the Runner, leaves the session in place.
func (r *Runner) OpenEnvironment(ctx context.Context, id string) (*Environment, error) {
	if r.isDisposed() {
		return nil, ErrRunnerDisposed
	}
	sess, err := r.client.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.adoptEnvironment(ctx, sess, true)
}

func (r *Runner) adoptEnvironment(ctx context.Context, sess *api.Session, attached bool) (*Environment, error) {
	env := newEnvironment(r.log.Named("environment"), r.client, sess)
	env.attached = attached
	env.onDispose = func() { r.forget(env) }
	err := r.track(env, env.Dispose)
	if err != nil {
		env.Dispose(ctx)
		return nil, err
	}
	r.log.Debugw("created environment", "SessionID", sess.ID)
	return env, nil
}

// CreateProgramSession builds a ProgramSession. Nothing is sent to the engine until it runs.
func (r *Runner) CreateProgramSession(opts RunOptions) (*ProgramSession, error) {
	s := newProgramSession(r.log.Named("program_session"), r.client, opts)
	s.addDisposeHook(func() { r.forget(s) })
	err := r.track(s, func(context.Context) { s.Dispose() })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetEnvironmentVariables fetches the variables the engine holds for env.
func (r *Runner) GetEnvironmentVariables(ctx context.Context, env *Environment) (map[string]string, error) {
	sess, err := r.client.GetSession(ctx, env.ID())
	if err != nil {
		return nil, err
	}
	return api.ParseEnv(sess.Envs), nil
}

// SetEnvironmentVariables sets vars in env by running one export command per variable in a program bound to env.
// It reports whether that program exited with code 0. Names must be valid shell variable names.
// With no vars the program runs a single empty command.
func (r *Runner) SetEnvironmentVariables(ctx context.Context, env *Environment, vars map[string]string) (bool, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !syntax.ValidName(k) {
			return false, fmt.Errorf("%w: %q", ErrInvalidVarName, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cmds := make([]string, 0, len(keys)+1)
	if len(keys) == 0 {
		cmds = append(cmds, "")
	}
	for _, k := range keys {
		quoted, err := syntax.Quote(vars[k], syntax.LangBash)
		if err != nil {
			return false, fmt.Errorf("quoting value of %s: %w", k, err)
		}
		cmds = append(cmds, fmt.Sprintf("export %s=%s", k, quoted))
	}

	s, err := r.CreateProgramSession(RunOptions{
		Exec:        api.Commands(cmds...),
		LanguageID:  "sh",
		CommandMode: api.CommandModeInline,
		Environment: env,
	})
	if err != nil {
		return false, err
	}
	defer s.Dispose()

	err = s.Run(ctx)
	if err != nil {
		return false, err
	}
	reason, err := s.Wait(ctx)
	if err != nil {
		return false, err
	}
	switch reason.Kind {
	case ExitReasonExit:
		return reason.Code == 0, nil
	case ExitReasonError:
		return false, reason.Err
	}
	return false, nil
}

func (r *Runner) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Dispose disposes every child that has not been disposed yet.
func (r *Runner) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	disposers := make([]func(context.Context), 0, len(r.children))
	for _, d := range r.children {
		disposers = append(disposers, d)
	}
	r.mu.Unlock()

	r.log.Debugf("disposing %d children", len(disposers))
	// children log their own cleanup failures, the group only fans out
	var group errgroup.Group
	for _, d := range disposers {
		d := d
		group.Go(func() error {
			d(ctx)
			return nil
		})
	}
	group.Wait()
}
