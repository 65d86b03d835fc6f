package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// program is a started program, either an external process or a script run by the embedded shell interpreter.
type program struct {
	log *zap.SugaredLogger
	pid int

	// stdin receives the client's input. It is the pty master in tty mode.
	stdin      io.Writer
	closeStdin func() error

	ptmx, tty  *os.File
	outputDone chan struct{}

	waitFn   func() int
	signalFn func(api.StopSignal)
	cleanup  []func()

	waitOnce sync.Once
	exitCode int

	// exported is set for interpreted scripts, and reports the variables the script exported or unset.
	exported func() (set map[string]string, unset []string)
}

// startProgram starts the program described by cfg. Output is written to stdout and stderr,
// which are merged into stdout in tty mode.
func startProgram(ctx context.Context, log *zap.SugaredLogger, cfg *api.ProgramConfig, env map[string]string, stdout, stderr io.Writer) (*program, error) {
	p := &program{log: log, closeStdin: func() error { return nil }}

	var (
		in        *os.File
		out, errW io.Writer = stdout, stderr
	)
	if cfg.Tty {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("opening pty: %w", err)
		}
		if cfg.Winsize != nil {
			err = pty.Setsize(ptmx, ptyWinsize(*cfg.Winsize))
			if err != nil {
				ptmx.Close()
				tty.Close()
				return nil, fmt.Errorf("setting pty size: %w", err)
			}
		}
		p.ptmx, p.tty = ptmx, tty
		p.stdin = ptmx
		in, out, errW = tty, tty, tty
		p.outputDone = make(chan struct{})
		go func() {
			defer close(p.outputDone)
			// reading the master fails with EIO once the tty side is closed
			_, _ = io.Copy(stdout, ptmx)
		}()
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		p.stdin = w
		p.closeStdin = w.Close
		p.cleanup = append(p.cleanup, func() { r.Close() })
		in = r
	}

	script := cfg.Script
	if len(cfg.Commands) > 0 {
		script = strings.Join(cfg.Commands, "\n")
	}

	// a shell with no commands at all is an interactive session, run for real
	interpreted := isShellProgram(cfg.ProgramName) && cfg.CommandMode != api.CommandModeTempFile &&
		(script != "" || len(cfg.Commands) > 0)

	var err error
	if interpreted {
		err = p.startShell(ctx, cfg, script, env, in, out, errW)
	} else {
		err = p.startExternal(cfg, script, env, in, out, errW)
	}
	if err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

func (p *program) startShell(ctx context.Context, cfg *api.ProgramConfig, script string, env map[string]string, in io.Reader, out, errW io.Writer) error {
	file, parseErr := syntax.NewParser().Parse(strings.NewReader(script), "")
	if parseErr != nil {
		// report it the way a shell would
		p.waitFn = func() int {
			fmt.Fprintln(errW, parseErr)
			return 2
		}
		p.signalFn = func(api.StopSignal) {}
		return nil
	}

	capture := newEnvCapture(file, env)
	opts := []interp.RunnerOption{
		interp.Dir(cfg.Directory),
		interp.Env(expand.ListEnviron(envList(env)...)),
		interp.StdIO(in, out, errW),
		interp.ExecHandlers(capture.middleware),
	}
	if len(cfg.Arguments) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, cfg.Arguments...)...))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("%w: %s", api.ErrInvalidProgram, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var (
		stopMu sync.Mutex
		stop   api.StopSignal
	)
	p.signalFn = func(sig api.StopSignal) {
		stopMu.Lock()
		stop = sig
		stopMu.Unlock()
		cancel()
	}

	done := make(chan int, 1)
	go func() {
		err := runner.Run(ctx, file)
		stopMu.Lock()
		sig := stop
		stopMu.Unlock()
		code := shellExitCode(err, sig, errW)
		if sig == "" && ctx.Err() == nil {
			err = runner.Run(ctx, captureProgram)
			if err != nil {
				p.log.Debugf("error capturing exported variables: %s", err)
			}
		}
		done <- code
	}()
	p.waitFn = func() int {
		defer cancel()
		return <-done
	}
	p.exported = capture.result
	return nil
}

func shellExitCode(err error, stop api.StopSignal, errW io.Writer) int {
	switch stop {
	case api.StopInterrupt:
		return 128 + int(syscall.SIGINT)
	case api.StopKill:
		return 128 + int(syscall.SIGKILL)
	}
	if err == nil {
		return 0
	}
	var exitStatus interp.ExitStatus
	if errors.As(err, &exitStatus) {
		return int(exitStatus)
	}
	fmt.Fprintln(errW, err)
	return 1
}

func (p *program) startExternal(cfg *api.ProgramConfig, script string, env map[string]string, in io.Reader, out, errW io.Writer) error {
	name := cfg.ProgramName
	if name == "" {
		name = "sh"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%w: %s", api.ErrInvalidProgram, name)
	}

	args := append([]string(nil), cfg.Arguments...)
	if script != "" {
		f, err := os.CreateTemp("", "cellrun-*")
		if err != nil {
			return fmt.Errorf("creating script file: %w", err)
		}
		p.cleanup = append(p.cleanup, func() { os.Remove(f.Name()) })
		_, err = f.WriteString(script)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing script file: %w", err)
		}
		args = append(args, f.Name())
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = cfg.Directory
	cmd.Env = envList(env)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = errW
	if cfg.Tty {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	}
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	p.pid = cmd.Process.Pid

	p.signalFn = func(sig api.StopSignal) {
		var err error
		switch sig {
		case api.StopInterrupt:
			err = cmd.Process.Signal(os.Interrupt)
		case api.StopKill:
			err = cmd.Process.Kill()
		}
		if err != nil {
			p.log.Debugf("error signaling process %d: %s", p.pid, err)
		}
	}
	p.waitFn = func() int {
		err := cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.log.Debugf("unexpected wait error: %s", err)
			}
		}
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return cmd.ProcessState.ExitCode()
	}
	return nil
}

// wait blocks until the program exited and all of its tty output was read.
func (p *program) wait() int {
	p.waitOnce.Do(func() {
		p.exitCode = p.waitFn()
		p.release()
	})
	return p.exitCode
}

func (p *program) release() {
	if p.tty != nil {
		p.tty.Close()
		<-p.outputDone
		p.ptmx.Close()
	}
	for _, c := range p.cleanup {
		c()
	}
}

func (p *program) signal(sig api.StopSignal) { p.signalFn(sig) }

func (p *program) resize(ws api.Winsize) error {
	if p.ptmx == nil {
		return nil
	}
	return pty.Setsize(p.ptmx, ptyWinsize(ws))
}

func ptyWinsize(ws api.Winsize) *pty.Winsize {
	return &pty.Winsize{Rows: ws.Rows, Cols: ws.Cols, X: ws.X, Y: ws.Y}
}
