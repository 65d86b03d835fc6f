package engine

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/cellrun/api"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxCloseReason is the longest reason a WebSocket close frame can carry.
const maxCloseReason = 123

func (e *Engine) execute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		e.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	e.logger.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &programRunner{
		log:        e.logger.Named("program_runner"),
		conn:       wsConn,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   e.sessions,
		closeGrace: e.closeGrace,
		stdinCh:    make(chan []byte),
		readDone:   make(chan struct{}),
	}
	runner.run()
}

// programRunner drives one Execute stream. The program lives as long as the connection.
type programRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	sessions   *sessionStore
	closeGrace time.Duration

	prog    *program
	session *session

	stdinCh        chan []byte
	closeStdinOnce sync.Once
	readDone       chan struct{}

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *programRunner) run() {
	err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting program: %s", err)
		r.close(websocket.StatusInternalError, closeReason(err))
		return
	}

	r.wg.Add(3)
	go r.readMessages()
	go r.readStdin()
	go r.waitAndWriteResult()

	r.wg.Wait()
}

func closeReason(err error) string {
	s := err.Error()
	if len(s) > maxCloseReason {
		s = s[:maxCloseReason]
	}
	return s
}

func (r *programRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *programRunner) readFirstMessageAndStart() error {
	var req api.ExecuteRequest
	err := wsjson.Read(r.ctx, r.conn, &req)
	if err != nil {
		return err
	}
	cfg := req.Config
	if cfg == nil {
		return api.ErrInvalidStartMsg
	}
	r.log.Debugw("got start message", "Program", cfg.ProgramName, "Tty", cfg.Tty, "SessionID", cfg.SessionID)

	env := api.ParseEnv(os.Environ())
	if cfg.SessionID != "" {
		r.session, err = r.sessions.get(cfg.SessionID)
		if err != nil {
			return err
		}
		for k, v := range r.session.envSnapshot() {
			env[k] = v
		}
	}
	for k, v := range api.ParseEnv(cfg.Env) {
		env[k] = v
	}

	stdout := &outputWriter{log: r.log.Named("stdout_writer"), ctx: r.ctx, conn: r.conn, msg: stdoutMsg}
	stderr := &outputWriter{log: r.log.Named("stderr_writer"), ctx: r.ctx, conn: r.conn, msg: stderrMsg}
	r.prog, err = startProgram(r.ctx, r.log, cfg, env, stdout, stderr)
	if err != nil {
		return err
	}

	if r.prog.pid != 0 {
		pid := r.prog.pid
		err = wsjson.Write(r.ctx, r.conn, &api.ExecuteResponse{PID: &pid})
		if err != nil {
			r.log.Debugf("error sending pid: %s", err)
		}
	}
	return nil
}

func (r *programRunner) closeStdin() {
	r.closeStdinOnce.Do(func() { close(r.stdinCh) })
}

// shutdown kills the program if it is still running. In the normal case the program has already exited.
func (r *programRunner) shutdown() {
	r.prog.signal(api.StopKill)
	r.cancel()
}

func (r *programRunner) readMessages() {
	defer r.wg.Done()
	defer r.shutdown()
	defer close(r.readDone)
	defer r.closeStdin()

	inputDone := false
	for {
		var msg api.ExecuteRequest
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, closeReason(err))
			return
		}
		if len(msg.InputData) > 0 && inputDone {
			r.log.Debug("dropping input received after input was done")
		} else if len(msg.InputData) > 0 {
			select {
			case r.stdinCh <- msg.InputData:
			case <-r.ctx.Done():
				return
			}
		}
		if msg.InputDone {
			inputDone = true
			r.closeStdin()
		}
		if msg.Winsize != nil {
			err := r.prog.resize(*msg.Winsize)
			if err != nil {
				r.log.Debugf("error resizing pty: %s", err)
			}
		}
		if msg.Stop != "" {
			r.log.Debugw("stopping program", "Signal", msg.Stop)
			r.prog.signal(msg.Stop)
		}
	}
}

// readStdin keeps draining input after a write error, so the message reader never blocks on it.
func (r *programRunner) readStdin() {
	defer r.wg.Done()
	defer func() {
		err := r.prog.closeStdin()
		if err != nil {
			r.log.Debugf("error closing stdin: %s", err)
		}
	}()
	failed := false
	for b := range r.stdinCh {
		if failed {
			continue
		}
		_, err := r.prog.stdin.Write(b)
		if err != nil {
			r.log.Debugf("stdin writer got error: %s", err)
			failed = true
		}
	}
}

func (r *programRunner) waitAndWriteResult() {
	defer r.wg.Done()

	exitCode := r.prog.wait()
	if r.session != nil && r.prog.exported != nil {
		set, unset := r.prog.exported()
		r.session.update(set, unset)
	}

	r.log.Debugf("program exited with code %d, sending message", exitCode)
	err := wsjson.Write(r.ctx, r.conn, &api.ExecuteResponse{ExitCode: &exitCode})
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
	}

	// the client is expected to close the connection once it has seen the exit code
	select {
	case <-r.readDone:
	case <-time.After(r.closeGrace):
		r.log.Debug("client did not close the connection, closing it")
		r.close(websocket.StatusNormalClosure, "")
	}
}
