package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/cellrun/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T, client *fakeClient, opts RunOptions) *ProgramSession {
	t.Helper()
	r := New(client, WithLogger(zap.NewNop()))
	t.Cleanup(func() { r.Dispose(context.Background()) })
	s, err := r.CreateProgramSession(opts)
	require.NoError(t, err)
	return s
}

func waitExit(t *testing.T, s *ProgramSession) ExitReason {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reason, err := s.Wait(ctx)
	require.NoError(t, err)
	return reason
}

func TestRunSendsConfigAndPendingInput(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{
		ProgramName: "bash",
		Exec:        api.Commands("echo hi"),
		Envs:        []string{"A=1"},
		CommandMode: api.CommandModeInline,
	})

	require.NoError(t, s.HandleInput([]byte("first")))
	require.NoError(t, s.HandleInput([]byte("second")))
	assert.Equal(t, 0, client.streamCount())

	require.NoError(t, s.Run(context.Background()))

	sent := client.stream(0).sentMessages()
	require.Len(t, sent, 3)
	cfg := sent[0].Config
	require.NotNil(t, cfg)
	assert.Equal(t, "bash", cfg.ProgramName)
	assert.Equal(t, []string{"echo hi"}, cfg.Commands)
	assert.Equal(t, []string{"A=1", "TERM=dumb"}, cfg.Env)
	assert.Equal(t, api.CommandModeInline, cfg.CommandMode)
	assert.Equal(t, []byte("first"), sent[1].InputData)
	assert.Equal(t, []byte("second"), sent[2].InputData)

	require.NoError(t, s.HandleInput([]byte("third")))
	sent = client.stream(0).sentMessages()
	require.Len(t, sent, 4)
	assert.Equal(t, []byte("third"), sent[3].InputData)
}

func TestRunTwice(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("true")})

	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, client.streamCount())
}

func TestRunExecuteError(t *testing.T) {
	client := newFakeClient()
	client.execErr = api.ErrInvalidProgram
	s := newTestSession(t, client, RunOptions{ProgramName: "nope"})

	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrInvalidProgram)

	reason := waitExit(t, s)
	assert.Equal(t, ExitReasonError, reason.Kind)
	assert.ErrorIs(t, reason.Err, api.ErrInvalidProgram)
	require.Len(t, errs, 1)
}

func TestExitCodeAndOutput(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("echo"), ConvertEOL: true})

	var (
		mu     sync.Mutex
		stdout []string
		raw    [][]byte
		closes []ExitReason
	)
	s.OnStdout(func(v string) {
		mu.Lock()
		defer mu.Unlock()
		stdout = append(stdout, v)
	})
	s.OnStdoutRaw(func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		raw = append(raw, b)
	})
	s.OnClose(func(r ExitReason) {
		mu.Lock()
		defer mu.Unlock()
		closes = append(closes, r)
	})

	require.NoError(t, s.Run(context.Background()))
	stream := client.stream(0)
	pid := 42
	stream.responses <- &api.ExecuteResponse{PID: &pid}
	stream.responses <- &api.ExecuteResponse{StdoutData: []byte("a\nb\xff")}
	stream.responses <- exitResp(3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gotPID, err := s.PID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, gotPID)

	reason := waitExit(t, s)
	assert.Equal(t, ExitReason{Kind: ExitReasonExit, Code: 3}, reason)
	assert.True(t, s.HasExited())

	require.Eventually(t, func() bool { return stream.closeSendCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a\r\nb\uFFFD"}, stdout)
	assert.Equal(t, [][]byte{[]byte("a\r\nb\xff")}, raw)
	assert.Equal(t, []ExitReason{reason}, closes)
}

func TestTtyOutputIsNotConverted(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("echo"), ConvertEOL: true, Tty: true})

	out := make(chan string, 1)
	s.OnStdout(func(v string) { out <- v })

	require.NoError(t, s.Run(context.Background()))
	assert.Contains(t, client.stream(0).sentMessages()[0].Config.Env, "TERM=xterm-256color")

	client.stream(0).responses <- &api.ExecuteResponse{StdoutData: []byte("a\n")}
	select {
	case v := <-out:
		assert.Equal(t, "a\n", v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestStreamCompletedWithoutExitCode(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("echo")})

	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	require.NoError(t, s.Run(context.Background()))
	close(client.stream(0).responses)

	reason := waitExit(t, s)
	assert.Equal(t, ExitReasonError, reason.Kind)
	assert.ErrorIs(t, reason.Err, ErrStreamClosedWithoutExit)
	assert.ErrorIs(t, <-errs, ErrStreamClosedWithoutExit)
}

func TestConcurrentDispose(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("sleep 10")})
	require.NoError(t, s.Run(context.Background()))

	var closes int
	var mu sync.Mutex
	s.OnClose(func(ExitReason) {
		mu.Lock()
		defer mu.Unlock()
		closes++
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispose()
		}()
	}
	client.stream(0).responses <- exitResp(0)
	wg.Wait()

	reason := waitExit(t, s)
	assert.Contains(t, []ExitReasonKind{ExitReasonDisposed, ExitReasonExit}, reason.Kind)
	require.Eventually(t, func() bool { return client.stream(0).closeSendCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.stream(0).closeSendCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
}

func TestDisposeBeforeRun(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, RunOptions{Exec: api.Commands("echo")})

	s.Dispose()
	assert.Equal(t, ExitReason{Kind: ExitReasonDisposed}, *s.ExitReason())
	assert.ErrorIs(t, s.Run(context.Background()), ErrSessionExited)
	assert.ErrorIs(t, s.HandleInput([]byte("x")), ErrSessionExited)
	assert.Equal(t, 0, client.streamCount())
}

func TestClose(t *testing.T) {
	cases := []struct {
		name     string
		tty      bool
		expected api.StopSignal
	}{
		{name: "interrupts with a tty", tty: true, expected: api.StopInterrupt},
		{name: "kills without a tty", tty: false, expected: api.StopKill},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := newFakeClient()
			s := newTestSession(t, client, RunOptions{Exec: api.Commands("sleep 10"), Tty: c.tty})

			require.NoError(t, s.Close())
			assert.Equal(t, 0, client.streamCount())

			require.NoError(t, s.Run(context.Background()))
			require.NoError(t, s.Close())

			sent := client.stream(0).sentMessages()
			require.Len(t, sent, 2)
			assert.Equal(t, c.expected, sent[1].Stop)
			assert.False(t, s.HasExited())
		})
	}
}
