package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted          = errors.New("program session already started")
	ErrSessionExited           = errors.New("program session has exited")
	ErrUnknownTerminalWindow   = errors.New("unknown terminal window")
	ErrStreamClosedWithoutExit = errors.New("execute stream completed without an exit code")
)

// ProgramSession is the client-side handle of one program running on the engine.
// It owns exactly one Execute stream, and may be driven by several terminal windows.
//
// Only Dispose is safe to call concurrently with itself and with the stream's own exit handling.
// The other mutating methods are expected to be called in order by one caller at a time.
type ProgramSession struct {
	log    *zap.SugaredLogger
	client Client
	opts   RunOptions

	stdoutRaw Event[[]byte]
	stdout    Event[string]
	stderrRaw Event[[]byte]
	stderr    Event[string]
	closed    Event[ExitReason]
	errs      Event[error]

	pidOnce sync.Once
	pidCh   chan struct{}
	pid     int

	done chan struct{}

	// sendMu serializes writes to the stream, so messages are sent in call order.
	sendMu sync.Mutex

	mu           sync.Mutex
	stream       api.ExecuteStream
	started      bool
	initialized  bool
	pending      []*api.ExecuteRequest
	windows      map[string]*TerminalWindowState
	activeWindow string
	exitReason   *ExitReason
	disposed     bool
	onDispose    []func()
}

func newProgramSession(log *zap.SugaredLogger, client Client, opts RunOptions) *ProgramSession {
	return &ProgramSession{
		log:     log,
		client:  client,
		opts:    opts.clone(),
		pidCh:   make(chan struct{}),
		done:    make(chan struct{}),
		windows: map[string]*TerminalWindowState{},
	}
}

func (s *ProgramSession) OnStdoutRaw(fn func([]byte)) func() { return s.stdoutRaw.On(fn) }
func (s *ProgramSession) OnStdout(fn func(string)) func()    { return s.stdout.On(fn) }
func (s *ProgramSession) OnStderrRaw(fn func([]byte)) func() { return s.stderrRaw.On(fn) }
func (s *ProgramSession) OnStderr(fn func(string)) func()    { return s.stderr.On(fn) }
func (s *ProgramSession) OnClose(fn func(ExitReason)) func() { return s.closed.On(fn) }
func (s *ProgramSession) OnError(fn func(error)) func()      { return s.errs.On(fn) }

// PID waits for the engine to report the process id.
func (s *ProgramSession) PID(ctx context.Context) (int, error) {
	select {
	case <-s.pidCh:
		return s.pid, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Wait blocks until the session has reached its exit reason.
func (s *ProgramSession) Wait(ctx context.Context) (ExitReason, error) {
	select {
	case <-s.done:
		return *s.ExitReason(), nil
	case <-ctx.Done():
		return ExitReason{}, ctx.Err()
	}
}

func (s *ProgramSession) HasExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitReason != nil
}

// ExitReason returns nil while the session has not exited.
func (s *ProgramSession) ExitReason() *ExitReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitReason == nil {
		return nil
	}
	r := *s.exitReason
	return &r
}

// Run opens the Execute stream and sends the start message.
// It may only be called once; with registered terminal windows it is called by the last Open.
func (s *ProgramSession) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.exitReason != nil {
		s.mu.Unlock()
		return ErrSessionExited
	}
	s.started = true
	s.opts.Envs = append(s.opts.Envs, termEnv(s.opts.Tty))
	s.mu.Unlock()

	stream, err := s.client.Execute(ctx)
	if err != nil {
		err = fmt.Errorf("opening execute stream: %w", err)
		s.fail(err)
		return err
	}

	s.sendMu.Lock()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.sendMu.Unlock()
		stream.Close()
		return ErrSessionExited
	}
	s.stream = stream
	cfg := s.programConfig()
	s.initialized = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.log.Debugw("starting program", "Program", cfg.ProgramName, "Tty", cfg.Tty, "SessionID", cfg.SessionID)
	err = stream.Send(&api.ExecuteRequest{Config: cfg})
	if err == nil {
		for _, req := range pending {
			err = stream.Send(req)
			if err != nil {
				break
			}
		}
	}
	s.sendMu.Unlock()
	if err != nil {
		err = fmt.Errorf("sending start message: %w", err)
		s.fail(err)
		return err
	}

	go s.readMessages(stream)
	return nil
}

func termEnv(tty bool) string {
	if tty {
		return "TERM=xterm-256color"
	}
	return "TERM=dumb"
}

// programConfig builds the start message from the run options. s.mu must be held.
func (s *ProgramSession) programConfig() *api.ProgramConfig {
	cfg := &api.ProgramConfig{
		ProgramName: s.opts.ProgramName,
		Arguments:   s.opts.Args,
		Directory:   s.opts.Directory,
		Env:         s.opts.Envs,
		Tty:         s.opts.Tty,
		Background:  s.opts.Background,
		LanguageID:  s.opts.LanguageID,
		CommandMode: s.opts.CommandMode,
	}
	switch s.opts.Exec.Type {
	case api.ExecTypeCommands:
		cfg.Commands = s.opts.Exec.Commands
	case api.ExecTypeScript:
		cfg.Script = s.opts.Exec.Script
	}
	if s.opts.Environment != nil {
		cfg.SessionID = s.opts.Environment.ID()
	}
	if w := s.windows[s.activeWindow]; w != nil {
		cfg.Winsize = cloneWinsize(w.Dimensions)
	}
	return cfg
}

func (s *ProgramSession) send(req *api.ExecuteRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(req)
}

// HandleInput sends data to the program's stdin.
// Input handed in before the session is initialized is sent right after the start message.
func (s *ProgramSession) HandleInput(data []byte) error {
	req := &api.ExecuteRequest{InputData: append([]byte(nil), data...)}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionExited
	}
	if !s.initialized {
		s.pending = append(s.pending, req)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.send(req)
}

// CloseInput tells the engine that no more input will be sent, closing the program's stdin.
func (s *ProgramSession) CloseInput() error {
	req := &api.ExecuteRequest{InputDone: true}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionExited
	}
	if !s.initialized {
		s.pending = append(s.pending, req)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.send(req)
}

// Close asks the engine to stop the program: an interrupt with a tty, a kill otherwise.
// Termination is only confirmed by the close event.
func (s *ProgramSession) Close() error {
	s.mu.Lock()
	active := s.initialized && !s.disposed && s.exitReason == nil
	s.mu.Unlock()
	if !active {
		s.log.Debug("close called on a session that is not running")
		return nil
	}
	sig := api.StopKill
	if s.opts.Tty {
		sig = api.StopInterrupt
	}
	s.log.Debugw("stopping program", "Signal", sig)
	return s.send(&api.ExecuteRequest{Stop: sig})
}

func (s *ProgramSession) readMessages(stream api.ExecuteStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosedWithoutExit
			}
			s.fail(err)
			return
		}
		if len(resp.StdoutData) > 0 {
			s.emitOutput(resp.StdoutData, &s.stdoutRaw, &s.stdout)
		}
		if len(resp.StderrData) > 0 {
			s.emitOutput(resp.StderrData, &s.stderrRaw, &s.stderr)
		}
		if resp.PID != nil {
			pid := *resp.PID
			s.pidOnce.Do(func() {
				s.pid = pid
				close(s.pidCh)
			})
		}
		if resp.ExitCode != nil {
			s.log.Debugf("program exited with code %d", *resp.ExitCode)
			s.exit(ExitReason{Kind: ExitReasonExit, Code: *resp.ExitCode})
			s.Dispose()
			return
		}
	}
}

func (s *ProgramSession) emitOutput(b []byte, raw *Event[[]byte], text *Event[string]) {
	if !s.opts.Tty && s.opts.ConvertEOL {
		b = ConvertEOL(b)
	}
	raw.fire(b)
	text.fire(strings.ToValidUTF8(string(b), "\uFFFD"))
}

// exit records r as the exit reason and fires the close event, unless a reason was already set.
func (s *ProgramSession) exit(r ExitReason) bool {
	s.mu.Lock()
	if s.exitReason != nil {
		s.mu.Unlock()
		return false
	}
	s.exitReason = &r
	close(s.done)
	s.mu.Unlock()
	s.closed.fire(r)
	return true
}

// fail surfaces an unrecoverable error and disposes the session.
func (s *ProgramSession) fail(err error) {
	s.mu.Lock()
	if s.exitReason != nil {
		s.mu.Unlock()
		s.log.Debugf("ignoring error after exit: %s", err)
		return
	}
	r := ExitReason{Kind: ExitReasonError, Err: err}
	s.exitReason = &r
	close(s.done)
	s.mu.Unlock()

	s.log.Debugw("program session failed", "Error", err)
	s.errs.fire(err)
	s.closed.fire(r)
	s.Dispose()
}

// Dispose ends the session. It is idempotent: the exit reason becomes "disposed" if none was set,
// and the outbound side of the stream is completed exactly once.
func (s *ProgramSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	stream := s.stream
	hooks := s.onDispose
	s.onDispose = nil
	s.mu.Unlock()

	s.exit(ExitReason{Kind: ExitReasonDisposed})

	if stream != nil {
		s.sendMu.Lock()
		err := stream.CloseSend()
		s.sendMu.Unlock()
		if err != nil {
			s.log.Debugf("error completing execute stream: %s", err)
		}
		err = stream.Close()
		if err != nil {
			s.log.Debugf("error closing execute stream: %s", err)
		}
	}
	for _, h := range hooks {
		h()
	}
}

func (s *ProgramSession) addDisposeHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDispose = append(s.onDispose, fn)
}
