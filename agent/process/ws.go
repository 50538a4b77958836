package process

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// wsJSONWriter sends each write as one or more JSON messages.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with a chunk of the bytes passed to Write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// the encoded JSON is larger than the payload (base64), so leave plenty of room under the peer's read limit
	chunkSize := readLimit / 3
	written := 0
	for written < len(b) {
		end := written + chunkSize
		if end > len(b) {
			end = len(b)
		}
		msg := w.writeMsg(b[written:end])
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	msg := w.closeMsg()
	err := wsjson.Write(w.ctx, w.conn, &msg)
	w.log.Debugw("closed writer", "Error", err)
	return err
}
