package runner

import (
	"context"
	"sync"
)

// Surface is a host surface showing a program session, such as a terminal.
type Surface interface {
	Focus()
	Close()
}

// BackgroundTasks keeps at most one live session per background cell.
type BackgroundTasks struct {
	mu    sync.Mutex
	tasks map[string]backgroundTask
}

type backgroundTask struct {
	session *ProgramSession
	surface Surface
}

// Start runs start for cellID unless a session started earlier for the same cell is still running,
// in which case its surface is focused and started is false.
// A surface whose session has exited is closed before start is called.
func (b *BackgroundTasks) Start(ctx context.Context, cellID string, start func(context.Context) (*ProgramSession, Surface, error)) (started bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tasks == nil {
		b.tasks = map[string]backgroundTask{}
	}

	if prev, ok := b.tasks[cellID]; ok {
		if !prev.session.HasExited() {
			prev.surface.Focus()
			return false, nil
		}
		prev.surface.Close()
		delete(b.tasks, cellID)
	}

	session, surface, err := start(ctx)
	if err != nil {
		return false, err
	}
	b.tasks[cellID] = backgroundTask{session: session, surface: surface}
	return true, nil
}

// Session returns the session last started for cellID.
func (b *BackgroundTasks) Session(cellID string) (*ProgramSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[cellID]
	return t.session, ok
}
