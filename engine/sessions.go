package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/cellrun/api"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

type session struct {
	id       string
	metadata map[string]string
	project  api.Project

	mu  sync.Mutex
	env map[string]string
}

func (s *session) envSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]string, len(s.env))
	for k, v := range s.env {
		m[k] = v
	}
	return m
}

// update applies the variables a program exported or unset.
func (s *session) update(set map[string]string, unset []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range set {
		s.env[k] = v
	}
	for _, k := range unset {
		delete(s.env, k)
	}
}

func (s *session) toAPI() *api.Session {
	env := s.envSnapshot()
	return &api.Session{
		ID:       s.id,
		Envs:     envList(env),
		Metadata: s.metadata,
	}
}

func envList(env map[string]string) []string {
	l := make([]string, 0, len(env))
	for k, v := range env {
		l = append(l, k+"="+v)
	}
	sort.Strings(l)
	return l
}

// dotenvFiles are loaded in order, later files override earlier ones.
var dotenvFiles = []string{".env", ".env.local"}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*session{}}
}

// create builds a session from the request envs, or from the engine's own environment when there are none.
// With a smart env store, the project's dotenv files are loaded on top.
func (s *sessionStore) create(req *api.CreateSessionRequest) (*session, error) {
	envs := req.Envs
	if len(envs) == 0 {
		envs = os.Environ()
	}
	sess := &session{
		id:       uuid.New().String(),
		metadata: req.Metadata,
		env:      api.ParseEnv(envs),
	}
	if req.Project != nil {
		sess.project = *req.Project
		if req.Project.SmartEnvStore && req.Project.Root != "" {
			for _, name := range dotenvFiles {
				err := loadDotenv(filepath.Join(req.Project.Root, name), sess.env)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	return sess, nil
}

func (s *sessionStore) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *sessionStore) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// loadDotenv reads shell-style assignments from path into env. A missing file is not an error.
// Values are expanded against the variables loaded so far; values that would need command substitution are skipped.
func loadDotenv(path string, env map[string]string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	file, err := syntax.NewParser().Parse(f, path)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg := &expand.Config{Env: expand.FuncEnviron(func(name string) string { return env[name] })}
	for _, stmt := range file.Stmts {
		var assigns []*syntax.Assign
		switch cmd := stmt.Cmd.(type) {
		case *syntax.CallExpr:
			if len(cmd.Args) == 0 {
				assigns = cmd.Assigns
			}
		case *syntax.DeclClause:
			if cmd.Variant.Value == "export" {
				assigns = cmd.Args
			}
		}
		for _, a := range assigns {
			if a.Name == nil || a.Naked {
				continue
			}
			value := ""
			if a.Value != nil {
				value, err = expand.Literal(cfg, a.Value)
				if err != nil {
					continue
				}
			}
			env[a.Name.Value] = value
		}
	}
	return nil
}

func isShellProgram(name string) bool {
	switch strings.TrimPrefix(filepath.Base(name), "-") {
	case "", ".", "sh", "bash", "zsh", "ksh", "mksh", "dash":
		return true
	}
	return false
}
