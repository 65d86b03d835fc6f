package engine

import (
	"context"

	"github.com/guseggert/cellrun/api"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit = 1 << 20
	// the write limit is conservative, the JSON encoding of a chunk is base64
	writeLimit = readLimit / 3
)

// outputWriter forwards everything written to it as Execute response messages.
type outputWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	msg func(b []byte) *api.ExecuteResponse
}

func (w *outputWriter) Write(b []byte) (int, error) {
	left := b
	for len(left) > 0 {
		chunk := left
		if len(chunk) > writeLimit {
			chunk = chunk[:writeLimit]
		}
		left = left[len(chunk):]

		err := wsjson.Write(w.ctx, w.conn, w.msg(chunk))
		if err != nil {
			w.log.Debugf("error writing output: %s", err)
			return len(b) - len(left) - len(chunk), err
		}
	}
	return len(b), nil
}

func stdoutMsg(b []byte) *api.ExecuteResponse { return &api.ExecuteResponse{StdoutData: b} }
func stderrMsg(b []byte) *api.ExecuteResponse { return &api.ExecuteResponse{StderrData: b} }
