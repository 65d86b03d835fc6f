package runner

import (
	"context"
	"sort"
	"sync"

	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
)

// Environment is a disposable handle to a session held by the engine.
type Environment struct {
	log    *zap.SugaredLogger
	client Client
	id     string

	// initialEnvNames are the variable names the remote session knew about when it was created.
	initialEnvNames map[string]struct{}
	// attached environments were opened, not created, and are left on the engine when disposed.
	attached bool

	disposeOnce sync.Once
	onDispose   func()
}

func newEnvironment(log *zap.SugaredLogger, client Client, sess *api.Session) *Environment {
	names := map[string]struct{}{}
	for name := range api.ParseEnv(sess.Envs) {
		names[name] = struct{}{}
	}
	return &Environment{
		log:             log.With("SessionID", sess.ID),
		client:          client,
		id:              sess.ID,
		initialEnvNames: names,
	}
}

func (e *Environment) ID() string { return e.id }

// InitialEnvNames returns the sorted names of the variables the session was created with.
func (e *Environment) InitialEnvNames() []string {
	names := make([]string, 0, len(e.initialEnvNames))
	for n := range e.initialEnvNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Environment) HasInitialEnv(name string) bool {
	_, ok := e.initialEnvNames[name]
	return ok
}

// Dispose deletes the remote session, unless the environment was attached to an existing one.
// Failures are logged and never returned, the engine may already have reclaimed the session.
func (e *Environment) Dispose(ctx context.Context) {
	e.disposeOnce.Do(func() {
		if e.attached {
			e.log.Debug("detached from session")
		} else if err := e.client.DeleteSession(ctx, e.id); err != nil {
			e.log.Warnw("failed to delete session", "Error", err)
		} else {
			e.log.Debug("deleted session")
		}
		if e.onDispose != nil {
			e.onDispose()
		}
	})
}
