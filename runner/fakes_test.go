package runner

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/guseggert/cellrun/api"
)

var errFakeStreamClosed = errors.New("fake stream closed")

type fakeStream struct {
	mu         sync.Mutex
	sent       []*api.ExecuteRequest
	closeSends int
	closes     int

	responses chan *api.ExecuteResponse
	closed    chan struct{}
	closeOnce sync.Once

	onSend func(s *fakeStream, req *api.ExecuteRequest)
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		responses: make(chan *api.ExecuteResponse, 16),
		closed:    make(chan struct{}),
	}
}

func (s *fakeStream) Send(req *api.ExecuteRequest) error {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(s, req)
	}
	return nil
}

func (s *fakeStream) Recv() (*api.ExecuteResponse, error) {
	select {
	case resp, ok := <-s.responses:
		if !ok {
			return nil, io.EOF
		}
		return resp, nil
	case <-s.closed:
		return nil, errFakeStreamClosed
	}
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSends++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) sentMessages() []*api.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*api.ExecuteRequest(nil), s.sent...)
}

func (s *fakeStream) closeSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSends
}

func exitResp(code int) *api.ExecuteResponse { return &api.ExecuteResponse{ExitCode: &code} }

type fakeClient struct {
	mu        sync.Mutex
	streams   []*fakeStream
	newStream func() *fakeStream
	execErr   error

	sessions  map[string]*api.Session
	deleted   []string
	deleteErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{sessions: map[string]*api.Session{}}
}

func (c *fakeClient) CreateSession(ctx context.Context, req *api.CreateSessionRequest) (*api.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := &api.Session{ID: "sess-" + string(rune('a'+len(c.sessions))), Envs: req.Envs, Metadata: req.Metadata}
	c.sessions[sess.ID] = sess
	return sess, nil
}

func (c *fakeClient) GetSession(ctx context.Context, id string) (*api.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, api.ErrSessionNotFound
	}
	return sess, nil
}

func (c *fakeClient) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return c.deleteErr
}

func (c *fakeClient) Execute(ctx context.Context) (api.ExecuteStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return nil, c.execErr
	}
	s := newFakeStream()
	if c.newStream != nil {
		s = c.newStream()
	}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeClient) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.streams) {
		return nil
	}
	return c.streams[i]
}

func (c *fakeClient) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeClient) deletedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}
