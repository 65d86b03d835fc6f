package engine

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/cellrun/api"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Engine is a remote execution engine: it holds sessions, resolves the variables of scripts,
// and runs programs over Execute streams.
type Engine struct {
	logger *zap.SugaredLogger

	listenAddr string
	closeGrace time.Duration

	sessions  *sessionStore
	tlsConfig *tls.Config

	mu         sync.Mutex
	httpServer *http.Server
}

type Option func(e *Engine)

func WithListenAddr(s string) Option {
	return func(e *Engine) {
		e.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l.Named("engine").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(e *Engine) {
		e.logger = e.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithCloseGrace sets how long an Execute stream is kept open after the exit code was sent,
// waiting for the client to close it.
func WithCloseGrace(d time.Duration) Option {
	return func(e *Engine) {
		e.closeGrace = d
	}
}

// WithTLSConfig serves over TLS. With a config requiring client certificates, only trusted clients can connect.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(e *Engine) {
		e.tlsConfig = cfg
	}
}

func New(opts ...Option) (*Engine, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	e := &Engine{
		logger:     logger.Named("engine").Sugar(),
		listenAddr: "127.0.0.1:7863",
		closeGrace: 5 * time.Second,
		sessions:   newSessionStore(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Handler returns the engine's HTTP routes.
func (e *Engine) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/sessions", e.createSession)
	router.GET("/sessions/:id", e.getSession)
	router.DELETE("/sessions/:id", e.deleteSession)
	router.POST("/resolve", e.resolve)
	router.GET("/execute", e.execute)
	return router
}

// Run listens on the configured address and serves until Stop is called.
func (e *Engine) Run() error {
	l, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return e.Serve(l)
}

func (e *Engine) Serve(l net.Listener) error {
	if e.tlsConfig != nil {
		l = tls.NewListener(l, e.tlsConfig)
	}
	server := &http.Server{Handler: e.Handler()}
	e.mu.Lock()
	e.httpServer = server
	e.mu.Unlock()

	e.logger.Infow("engine listening", "Addr", l.Addr().String(), "TLS", e.tlsConfig != nil)
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpServer == nil {
		return nil
	}
	return e.httpServer.Close()
}

func (e *Engine) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.CreateSessionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		e.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := e.sessions.create(&req)
	if err != nil {
		e.writeError(w, http.StatusInternalServerError, err)
		return
	}
	e.logger.Debugw("created session", "ID", sess.id, "Vars", len(sess.env))
	e.writeJSON(w, sess.toAPI())
}

func (e *Engine) getSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, err := e.sessions.get(params.ByName("id"))
	if err != nil {
		e.writeError(w, http.StatusNotFound, err)
		return
	}
	e.writeJSON(w, sess.toAPI())
}

func (e *Engine) deleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := e.sessions.delete(params.ByName("id"))
	if err != nil {
		e.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) resolve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.ResolveVariablesRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		e.writeError(w, http.StatusBadRequest, err)
		return
	}

	env := map[string]string{}
	if req.SessionID != "" {
		sess, err := e.sessions.get(req.SessionID)
		if err != nil {
			e.writeError(w, http.StatusNotFound, err)
			return
		}
		env = sess.envSnapshot()
	}
	for k, v := range api.ParseEnv(req.Env) {
		env[k] = v
	}

	resp, err := resolveVariables(&req, env)
	if errors.Is(err, api.ErrInvalidLanguage) {
		e.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		e.writeError(w, http.StatusInternalServerError, err)
		return
	}
	e.writeJSON(w, resp)
}

func (e *Engine) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_, err = w.Write(b)
	if err != nil {
		e.logger.Debugf("error writing response: %s", err)
	}
}

func (e *Engine) writeError(w http.ResponseWriter, code int, err error) {
	e.logger.Debugw("request failed", "Code", code, "Error", err)
	b, _ := json.Marshal(api.ErrorResponse{Error: err.Error()})
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
