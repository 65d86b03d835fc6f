package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/guseggert/cellrun/api"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// Execute opens an Execute stream with the engine.
// The stream lives until Close is called or ctx is done.
func (c *Client) Execute(ctx context.Context) (api.ExecuteStream, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/execute"
	c.Logger.Debugw("dialing WebSocket for execute", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.wsHTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to execute: %w", err)
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	return &stream{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type stream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	closeOnce sync.Once
}

func (s *stream) Send(req *api.ExecuteRequest) error {
	return wsjson.Write(s.ctx, s.conn, req)
}

func (s *stream) Recv() (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	err := wsjson.Read(s.ctx, s.conn, &resp)
	if err != nil {
		var closeErr websocket.CloseError
		switch {
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			return nil, io.EOF
		case errors.As(err, &closeErr) && closeErr.Reason != "":
			return nil, api.DecodeError(closeErr.Reason)
		}
		return nil, err
	}
	return &resp, nil
}

func (s *stream) CloseSend() error {
	return wsjson.Write(s.ctx, s.conn, &api.ExecuteRequest{InputDone: true})
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()
	})
	return err
}
