package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/cellrun/api"
	"github.com/guseggert/cellrun/client"
	"github.com/guseggert/cellrun/internal/certs"
	inet "github.com/guseggert/cellrun/internal/net"
	"github.com/guseggert/cellrun/resolve"
	"github.com/guseggert/cellrun/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*client.Client, *runner.Runner) {
	t.Helper()
	e, err := New(WithLogger(zap.NewNop()), WithCloseGrace(time.Second))
	require.NoError(t, err)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, client.WithRetryMax(0))
	r := runner.New(c)
	t.Cleanup(func() { r.Dispose(context.Background()) })
	return c, r
}

type output struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (o *output) write(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(s)
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func runProgram(t *testing.T, r *runner.Runner, opts runner.RunOptions, input ...string) (string, runner.ExitReason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := r.CreateProgramSession(opts)
	require.NoError(t, err)
	out := &output{}
	s.OnStdout(out.write)
	s.OnStderr(out.write)
	for _, in := range input {
		require.NoError(t, s.HandleInput([]byte(in)))
	}

	require.NoError(t, s.Run(ctx))
	reason, err := s.Wait(ctx)
	require.NoError(t, err)
	return out.String(), reason
}

func TestSessions(t *testing.T) {
	c, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, &api.CreateSessionRequest{Envs: []string{"A=1"}, Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1"}, sess.Envs)

	got, err := c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	require.NoError(t, c.DeleteSession(ctx, sess.ID))
	_, err = c.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, api.ErrSessionNotFound)
	assert.ErrorIs(t, c.DeleteSession(ctx, sess.ID), api.ErrSessionNotFound)
}

func TestExecute(t *testing.T) {
	cases := []struct {
		name     string
		opts     runner.RunOptions
		input    []string
		output   string
		exitCode int
	}{
		{
			name:   "inline commands",
			opts:   runner.RunOptions{Exec: api.Commands("echo hello", "echo world >&2"), CommandMode: api.CommandModeInline},
			output: "hello\nworld\n",
		},
		{
			name:     "exit code",
			opts:     runner.RunOptions{Exec: api.Commands("exit 3"), CommandMode: api.CommandModeInline},
			exitCode: 3,
		},
		{
			name:   "input",
			opts:   runner.RunOptions{Exec: api.Commands(`read line`, `echo "got $line"`), CommandMode: api.CommandModeInline},
			input:  []string{"abc\n"},
			output: "got abc\n",
		},
		{
			name:   "environment",
			opts:   runner.RunOptions{Exec: api.Commands(`echo "$GREETING"`), Envs: []string{"GREETING=hi there"}},
			output: "hi there\n",
		},
		{
			name:   "empty command",
			opts:   runner.RunOptions{Exec: api.Commands(""), CommandMode: api.CommandModeInline},
			output: "",
		},
		{
			name: "script file",
			opts: runner.RunOptions{
				ProgramName: "sh",
				Exec:        api.Script("echo from file\nexit 4\n"),
				CommandMode: api.CommandModeTempFile,
			},
			output:   "from file\n",
			exitCode: 4,
		},
		{
			name:   "external program",
			opts:   runner.RunOptions{ProgramName: "echo", Args: []string{"a", "b"}},
			output: "a b\n",
		},
		{
			name:   "converted line endings",
			opts:   runner.RunOptions{Exec: api.Commands("echo a"), ConvertEOL: true},
			output: "a\r\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, r := newTestEngine(t)
			out, reason := runProgram(t, r, c.opts, c.input...)
			assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit, Code: c.exitCode}, reason)
			assert.Equal(t, c.output, out)
		})
	}
}

func TestExecutePID(t *testing.T) {
	_, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := r.CreateProgramSession(runner.RunOptions{ProgramName: "sleep", Args: []string{"10"}})
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	pid, err := s.PID(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pid)

	require.NoError(t, s.Close())
	reason, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit, Code: 137}, reason)
}

func TestExecuteStopInterpreter(t *testing.T) {
	_, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := r.CreateProgramSession(runner.RunOptions{Exec: api.Commands("sleep 10"), CommandMode: api.CommandModeInline})
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Close())

	reason, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit, Code: 137}, reason)
}

func TestExecuteTty(t *testing.T) {
	_, r := newTestEngine(t)
	out, reason := runProgram(t, r, runner.RunOptions{Exec: api.Commands("echo hi"), Tty: true})
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit}, reason)
	assert.Contains(t, out, "hi\r\n")
}

func TestExecuteInvalidProgram(t *testing.T) {
	_, r := newTestEngine(t)
	_, reason := runProgram(t, r, runner.RunOptions{ProgramName: "cellrun-no-such-program", Exec: api.Script("x")})
	assert.Equal(t, runner.ExitReasonError, reason.Kind)
	assert.ErrorIs(t, reason.Err, api.ErrInvalidProgram)
}

func TestExecuteUnknownSession(t *testing.T) {
	c, r := newTestEngine(t)
	ctx := context.Background()

	env, err := r.CreateEnvironment(ctx, "", false, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.DeleteSession(ctx, env.ID()))

	_, reason := runProgram(t, r, runner.RunOptions{Exec: api.Commands("true"), Environment: env})
	assert.Equal(t, runner.ExitReasonError, reason.Kind)
	assert.ErrorIs(t, reason.Err, api.ErrSessionNotFound)
}

func TestEnvironmentVariables(t *testing.T) {
	_, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := r.CreateEnvironment(ctx, "", false, []string{"KEEP=1", "DROP=1"}, nil)
	require.NoError(t, err)

	ok, err := r.SetEnvironmentVariables(ctx, env, map[string]string{"FOO": "bar baz", "QUOTE": `it's`})
	require.NoError(t, err)
	assert.True(t, ok)

	vars, err := r.GetEnvironmentVariables(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "bar baz", vars["FOO"])
	assert.Equal(t, "it's", vars["QUOTE"])

	out, reason := runProgram(t, r, runner.RunOptions{Exec: api.Commands(`echo "$FOO"`, "unset DROP", "export NEW=1"), Environment: env})
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit}, reason)
	assert.Equal(t, "bar baz\n", out)

	vars, err = r.GetEnvironmentVariables(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "1", vars["NEW"])
	assert.Equal(t, "1", vars["KEEP"])
	assert.NotContains(t, vars, "DROP")
}

func TestSetEnvironmentVariablesEdgeCases(t *testing.T) {
	_, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := r.CreateEnvironment(ctx, "", false, []string{"A=1"}, nil)
	require.NoError(t, err)

	ok, err := r.SetEnvironmentVariables(ctx, env, map[string]string{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SetEnvironmentVariables(ctx, env, map[string]string{"X=1; export INJECTED": "v"})
	assert.ErrorIs(t, err, runner.ErrInvalidVarName)
	assert.False(t, ok)

	vars, err := r.GetEnvironmentVariables(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "1", vars["A"])
	assert.NotContains(t, vars, "X")
	assert.NotContains(t, vars, "INJECTED")
}

type answers map[string]string

func (a answers) Prompt(ctx context.Context, req resolve.PromptRequest) (string, error) {
	v, ok := a[req.Name]
	if !ok {
		return "", resolve.ErrPromptCancelled
	}
	return v, nil
}

func TestResolveAndRun(t *testing.T) {
	c, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := resolve.New(c, answers{"NAME": "bob", "GREETING": "hello"})
	exec, err := res.Resolve(ctx, resolve.Request{
		Text:        "$ export GREETING=hi\nexport NAME=\"your name\"\necho \"$GREETING $NAME\"\n",
		LanguageID:  "sh",
		CommandMode: api.CommandModeInline,
		PromptMode:  api.ResolveModeAuto,
	})
	require.NoError(t, err)
	assert.Equal(t, api.Commands(`export GREETING="hello"`, `export NAME="bob"`, `echo "$GREETING $NAME"`), exec)

	out, reason := runProgram(t, r, runner.RunOptions{Exec: exec, CommandMode: api.CommandModeInline})
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit}, reason)
	assert.Equal(t, "hello bob\n", out)
}

func TestResolveWithSession(t *testing.T) {
	c, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := r.CreateEnvironment(ctx, "", false, []string{"TOKEN=secret"}, nil)
	require.NoError(t, err)

	res := resolve.New(c, answers{})
	exec, err := res.Resolve(ctx, resolve.Request{
		Text:          "export TOKEN=changeme\nexport NOW=$(date)\n",
		CommandMode:   api.CommandModeInline,
		PromptMode:    api.ResolveModeAuto,
		SessionID:     env.ID(),
		KnownEnvNames: env.InitialEnvNames(),
		Env:           []string{"TOKEN=secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, api.Commands("export NOW=$(date)"), exec)
}

func TestResolveCancelled(t *testing.T) {
	c, _ := newTestEngine(t)
	res := resolve.New(c, answers{})
	_, err := res.Resolve(context.Background(), resolve.Request{
		Text:        "export NAME=\"your name\"\necho $NAME",
		CommandMode: api.CommandModeInline,
	})
	assert.ErrorIs(t, err, resolve.ErrResolutionCancelled)
}

func TestResolveEmptyScript(t *testing.T) {
	c, r := newTestEngine(t)
	res := resolve.New(c, answers{"A": ""})
	exec, err := res.Resolve(context.Background(), resolve.Request{
		Text:        "# nothing to do\nexport A=1\n",
		CommandMode: api.CommandModeInline,
	})
	require.NoError(t, err)
	assert.Equal(t, api.Commands(""), exec)

	_, reason := runProgram(t, r, runner.RunOptions{Exec: exec, CommandMode: api.CommandModeInline})
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit}, reason)

	for _, mode := range []api.ResolveMode{api.ResolveModeAuto, api.ResolveModePrompt, api.ResolveModeSkipAll} {
		t.Run(string(mode), func(t *testing.T) {
			exec, err := resolve.New(c, answers{}).Resolve(context.Background(), resolve.Request{
				Text:        "# only a comment\n\n   \n# another\n",
				LanguageID:  "sh",
				CommandMode: api.CommandModeInline,
				PromptMode:  mode,
			})
			require.NoError(t, err)
			assert.Equal(t, api.Commands(""), exec)
		})
	}
}

func TestResolveInvalidLanguage(t *testing.T) {
	c, _ := newTestEngine(t)
	res := resolve.New(c, answers{})
	_, err := res.Resolve(context.Background(), resolve.Request{
		Text:        "print(1)",
		LanguageID:  "python",
		CommandMode: api.CommandModeInline,
	})
	assert.ErrorIs(t, err, api.ErrInvalidLanguage)
}

func TestServe(t *testing.T) {
	l, err := inet.ListenLoopback()
	require.NoError(t, err)
	e, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- e.Serve(l) }()

	c := client.New(l.Addr().String(), client.WithRetryMax(2))
	sess, err := c.CreateSession(context.Background(), &api.CreateSessionRequest{Envs: []string{"A=1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	require.NoError(t, e.Stop())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the engine to stop")
	}
}

func TestExecuteCloseInput(t *testing.T) {
	_, r := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := r.CreateProgramSession(runner.RunOptions{ProgramName: "cat"})
	require.NoError(t, err)
	out := &output{}
	s.OnStdout(out.write)
	require.NoError(t, s.HandleInput([]byte("line one\n")))
	require.NoError(t, s.CloseInput())

	require.NoError(t, s.Run(ctx))
	reason, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit, Code: 0}, reason)
	assert.Equal(t, "line one\n", out.String())
}

func TestServeTLS(t *testing.T) {
	set, err := certs.Generate(nil, time.Hour)
	require.NoError(t, err)
	serverCfg, err := set.ServerTLSConfig()
	require.NoError(t, err)
	clientCfg, err := set.ClientTLSConfig()
	require.NoError(t, err)

	l, err := inet.ListenLoopback()
	require.NoError(t, err)
	e, err := New(WithLogger(zap.NewNop()), WithTLSConfig(serverCfg), WithCloseGrace(time.Second))
	require.NoError(t, err)
	go e.Serve(l)
	t.Cleanup(func() { e.Stop() })

	c := client.New(l.Addr().String(), client.WithRetryMax(0), client.WithTLSConfig(clientCfg))
	r := runner.New(c)
	t.Cleanup(func() { r.Dispose(context.Background()) })

	out, reason := runProgram(t, r, runner.RunOptions{Exec: api.Commands("echo secure"), CommandMode: api.CommandModeInline})
	assert.Equal(t, runner.ExitReason{Kind: runner.ExitReasonExit, Code: 0}, reason)
	assert.Equal(t, "secure\n", out)

	plain := client.New(l.Addr().String(), client.WithRetryMax(0))
	_, err = plain.CreateSession(context.Background(), &api.CreateSessionRequest{})
	assert.Error(t, err)
}
