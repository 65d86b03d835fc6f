package runner

import (
	"context"
	"fmt"

	"github.com/guseggert/cellrun/api"
)

// RegisterTerminalWindow adds a window that must be opened before the program starts.
// The first registered window becomes the active one.
func (s *ProgramSession) RegisterTerminalWindow(tag string, dims *api.Winsize) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[tag] = &TerminalWindowState{Dimensions: cloneWinsize(dims)}
	if s.activeWindow == "" {
		s.activeWindow = tag
	}
}

// TerminalWindow returns a copy of the state of the window registered under tag.
func (s *ProgramSession) TerminalWindow(tag string) (TerminalWindowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[tag]
	if !ok {
		return TerminalWindowState{}, false
	}
	return TerminalWindowState{Dimensions: cloneWinsize(w.Dimensions), Opened: w.Opened}, true
}

func (s *ProgramSession) ActiveTerminalWindow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeWindow
}

// SetActiveTerminalWindow makes tag the window whose dimensions reach the program.
// If the window already has dimensions and the session is initialized, they are sent right away.
func (s *ProgramSession) SetActiveTerminalWindow(tag string) error {
	s.mu.Lock()
	w, ok := s.windows[tag]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTerminalWindow, tag)
	}
	s.activeWindow = tag
	dims := cloneWinsize(w.Dimensions)
	forward := dims != nil && s.initialized && !s.disposed
	s.mu.Unlock()

	if forward {
		return s.send(&api.ExecuteRequest{Winsize: dims})
	}
	return nil
}

// SetDimensions stores the dimensions of a window.
// They are only sent if tag is the active window and the session is initialized.
func (s *ProgramSession) SetDimensions(dims api.Winsize, tag string) error {
	s.mu.Lock()
	w, ok := s.windows[tag]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTerminalWindow, tag)
	}
	w.Dimensions = &dims
	forward := tag == s.activeWindow && s.initialized && !s.disposed
	s.mu.Unlock()

	if forward {
		return s.send(&api.ExecuteRequest{Winsize: &dims})
	}
	return nil
}

// Open marks the window as opened. Once every registered window is opened, the program is started.
// Opening a window after the session exited replays the close event for that window.
func (s *ProgramSession) Open(ctx context.Context, dims *api.Winsize, tag string) error {
	s.mu.Lock()
	w, ok := s.windows[tag]
	if !ok {
		s.mu.Unlock()
		s.log.Errorw("cannot open unregistered terminal window", "Tag", tag)
		return fmt.Errorf("%w: %q", ErrUnknownTerminalWindow, tag)
	}
	if w.Opened {
		s.mu.Unlock()
		s.log.Warnw("terminal window already opened", "Tag", tag)
		return nil
	}
	w.Opened = true
	if dims != nil {
		w.Dimensions = cloneWinsize(dims)
	}
	var reason *ExitReason
	if s.exitReason != nil {
		r := *s.exitReason
		reason = &r
	}
	allOpened := true
	for _, w := range s.windows {
		if !w.Opened {
			allOpened = false
			break
		}
	}
	s.mu.Unlock()

	if reason != nil {
		s.closed.fire(*reason)
		return nil
	}
	if allOpened {
		return s.Run(ctx)
	}
	return nil
}
