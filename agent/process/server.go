package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	Log *zap.SugaredLogger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverProcRunner{
		log:     s.Log.Named("server_runner"),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		stdinCh: make(chan []byte),
	}
	runner.run()
}

type serverProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	cmd    *exec.Cmd
	exited atomic.Bool

	stdin   io.WriteCloser
	stdinCh chan []byte

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

// shutdown kills the whole process group, so that children of the shell die too.
func (r *serverProcRunner) shutdown() {
	if r.cmd != nil && r.cmd.Process != nil && !r.exited.Load() {
		if err := syscall.Kill(-r.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			r.log.Debugf("error killing process group: %s", err)
		}
	}
	r.cancel()
}

func (r *serverProcRunner) run() {
	startTime, err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		r.close(websocket.StatusInternalError, truncateReason(fmt.Sprintf("starting process: %s", err)))
		r.shutdown()
		return
	}
	r.log.Debugw("process started", "PID", r.cmd.Process.Pid)

	r.wg.Add(3)
	go r.readMessages()
	go r.readStdin()
	go r.waitAndWriteResult(startTime)

	r.wg.Wait()
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readMessages forwards stdin until the client goes away, which ends the process.
func (r *serverProcRunner) readMessages() {
	defer r.wg.Done()
	defer r.shutdown()

	closedStdin := false
	defer func() {
		if !closedStdin {
			close(r.stdinCh)
		}
	}()

	for {
		var msg procRequestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, truncateReason(err.Error()))
			return
		}
		if len(msg.Stdin) > 0 && !closedStdin {
			r.stdinCh <- msg.Stdin
		}
		if msg.StdinDone && !closedStdin {
			close(r.stdinCh)
			closedStdin = true
		}
	}
}

func (r *serverProcRunner) waitAndWriteResult(startTime time.Time) {
	defer r.wg.Done()

	err := r.cmd.Wait()
	r.exited.Store(true)
	timeMS := time.Since(startTime).Milliseconds()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		r.log.Debugf("unexpected exit error: %s", err)
	}

	exitCode := r.cmd.ProcessState.ExitCode()
	r.log.Debugf("process %d exited with code %d, sending message", r.cmd.Process.Pid, exitCode)
	err = wsjson.Write(r.ctx, r.conn, procResponseMessage{
		Exited:   true,
		ExitCode: exitCode,
		TimeMS:   timeMS,
	})
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
	}
}

func (r *serverProcRunner) readFirstMessageAndStart() (time.Time, error) {
	var req procRequestMessage
	err := wsjson.Read(r.ctx, r.conn, &req)
	if err != nil {
		return time.Time{}, err
	}
	if req.Command == "" {
		return time.Time{}, errors.New("request contained no command")
	}
	r.log.Debugw("got first message", "Command", req.Command)

	cmd := exec.Command("sh", "-c", req.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	cmd.Stderr = &wsJSONWriter{
		log:  r.log.Named("stderr_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procResponseMessage{Stderr: b}
		},
	}
	cmd.Stdout = &wsJSONWriter{
		log:  r.log.Named("stdout_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procResponseMessage{Stdout: b}
		},
	}

	// a pipe from StdinPipe is closed by Wait, so an open stdin never holds up the exit
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return time.Time{}, fmt.Errorf("opening stdin: %w", err)
	}
	r.stdin = stdin
	r.cmd = cmd

	return time.Now(), cmd.Start()
}

func (r *serverProcRunner) readStdin() {
	defer r.wg.Done()
	defer r.stdin.Close()
	for b := range r.stdinCh {
		_, err := r.stdin.Write(b)
		if err != nil {
			// keep draining so the message reader never blocks
			r.log.Debugf("stdin writer got error: %s", err)
		}
	}
}

// truncateReason keeps a close reason under the 123 byte limit of a close frame.
func truncateReason(reason string) string {
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}
