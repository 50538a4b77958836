package process

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/remotecmd/command"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Start runs cmdline on the server with "sh -c" and returns a handle capturing its output.
// ctx only bounds establishing the connection.
func (c *Client) Start(ctx context.Context, cmdline string) (*command.Command, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	log.Debugw("dialing WebSocket for command", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run command: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	ch := &wsChannel{
		log:      log.Named("command_runner"),
		conn:     wsConn,
		ctx:      connCtx,
		cancel:   cancel,
		stdoutR:  stdoutR,
		stdoutW:  stdoutW,
		stderrR:  stderrR,
		stderrW:  stderrW,
		exitCode: -1,
		exited:   make(chan struct{}),
	}

	err = wsjson.Write(ctx, wsConn, procRequestMessage{Command: cmdline})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("writing first message: %w", err)
	}

	go ch.readMessages()

	stdin := &wsJSONWriter{
		log:  ch.log.Named("stdin_writer"),
		ctx:  connCtx,
		conn: wsConn,
		writeMsg: func(b []byte) any {
			return procRequestMessage{Stdin: b}
		},
		closeMsg: func() any {
			return procRequestMessage{StdinDone: true}
		},
	}
	return command.New(
		command.NewInput(stdin, ch),
		command.NewStream(stdoutR, ch, ch),
		command.NewStream(stderrR, ch, ch),
		command.WithLogger(log),
	), nil
}

// wsChannel is the command.Channel of a command running over a WebSocket connection.
// The message reader demultiplexes the connection into the stdout and stderr pipes.
type wsChannel struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// exitCode must only be read after exited is closed.
	exitCode int
	exited   chan struct{}

	closeConnOnce sync.Once
}

func (c *wsChannel) readMessages() {
	defer close(c.exited)
	defer c.stderrW.Close()
	defer c.stdoutW.Close()

	// The server sends all stdout and stderr before the exit message, so nothing is lost by stopping there.
	for {
		var msg procResponseMessage
		err := wsjson.Read(c.ctx, c.conn, &msg)
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			c.closeConn(websocket.StatusInternalError, truncateReason(err.Error()))
			return
		}
		if len(msg.Stdout) > 0 {
			if _, err := c.stdoutW.Write(msg.Stdout); err != nil {
				c.log.Debugf("stdout pipe closed: %s", err)
			}
		}
		if len(msg.Stderr) > 0 {
			if _, err := c.stderrW.Write(msg.Stderr); err != nil {
				c.log.Debugf("stderr pipe closed: %s", err)
			}
		}
		if msg.Exited {
			c.log.Debugw("process exited", "ExitCode", msg.ExitCode, "TimeMS", msg.TimeMS)
			c.exitCode = msg.ExitCode
			c.closeConn(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (c *wsChannel) closeConn(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
		c.cancel()
	})
}

// RecvExitStatus returns -1 if the connection ended before the process exited.
func (c *wsChannel) RecvExitStatus() int {
	<-c.exited
	return c.exitCode
}

// Close closes the connection, which kills the remote process, and unblocks any pending pipe reads or writes.
func (c *wsChannel) Close() error {
	c.closeConn(websocket.StatusNormalClosure, "")
	c.stdoutR.Close()
	c.stderrR.Close()
	return nil
}
