package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimeout is returned by Wait when the command did not exit in time.
// The command keeps running and the handle remains usable.
var ErrTimeout = errors.New("waiting for command exit timed out")

type Option func(c *Command)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Command) {
		c.log = l
	}
}

// capture accumulates the lines drained from one output stream.
type capture struct {
	name   string
	stream Stream

	m   sync.Mutex
	buf bytes.Buffer

	// done is closed when the drain goroutine returns.
	done chan struct{}
}

func newCapture(name string, s Stream) *capture {
	return &capture{name: name, stream: s, done: make(chan struct{})}
}

func (cp *capture) append(b []byte) {
	cp.m.Lock()
	defer cp.m.Unlock()
	cp.buf.Write(b)
}

func (cp *capture) String() string {
	cp.m.Lock()
	defer cp.m.Unlock()
	return cp.buf.String()
}

// Command is a handle for a command running on a remote host.
// All methods are safe for concurrent use, except for writes to Input.
type Command struct {
	log *zap.SugaredLogger

	stdin  Input
	stdout *capture
	stderr *capture

	// exitCode must only be read after exited is closed.
	exitCode int
	exited   chan struct{}
	exitDone chan struct{}

	closeMut sync.Mutex
	closing  atomic.Bool
}

// New starts capturing the output of a command that has already been started on the remote host.
// It returns once both output streams are being drained.
// The exit status is retrieved through stdout's channel.
func New(stdin Input, stdout, stderr Stream, opts ...Option) *Command {
	c := &Command{
		log:      zap.NewNop().Sugar(),
		stdin:    stdin,
		stdout:   newCapture("stdout", stdout),
		stderr:   newCapture("stderr", stderr),
		exited:   make(chan struct{}),
		exitDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("command").With("CommandID", uuid.NewString())

	stdoutReady := make(chan struct{})
	stderrReady := make(chan struct{})
	go c.drain(c.stdout, stdoutReady)
	go c.drain(c.stderr, stderrReady)
	<-stdoutReady
	<-stderrReady

	go c.waitExit()

	return c
}

func (c *Command) drain(cp *capture, ready chan<- struct{}) {
	defer close(cp.done)
	close(ready)
	for {
		line, err := cp.stream.ReadLine()
		if len(line) > 0 {
			cp.append(line)
		}
		if err != nil {
			// errors are expected once Close has started, since it closes the streams out from under us
			if !errors.Is(err, io.EOF) && !c.closing.Load() {
				c.log.Debugf("%s reader got unexpected error: %s", cp.name, err)
			}
			return
		}
		if len(line) == 0 {
			return
		}
	}
}

func (c *Command) waitExit() {
	defer close(c.exitDone)
	code := c.stdout.stream.Channel().RecvExitStatus()
	c.exitCode = code
	close(c.exited)
	c.log.Debugf("got exit code %d", code)
}

// Input returns the remote process's stdin. It is not safe for concurrent writes.
func (c *Command) Input() Input { return c.stdin }

// Stdout returns a copy of the stdout captured so far.
func (c *Command) Stdout() string { return c.stdout.String() }

// Stderr returns a copy of the stderr captured so far.
func (c *Command) Stderr() string { return c.stderr.String() }

// ExitCode returns the exit code of the command, or false if it is still running.
// An aborted command reports the transport's sentinel status, usually -1.
func (c *Command) ExitCode() (int, bool) {
	select {
	case <-c.exited:
		return c.exitCode, true
	default:
		return 0, false
	}
}

// Wait waits for the command to exit and returns its exit code.
// If timeout is positive and elapses first, ErrTimeout is returned and the command is not aborted.
func (c *Command) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return c.WaitContext(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WaitContext(ctx)
}

// WaitContext is like Wait but is bounded by ctx.
// A context deadline is reported as ErrTimeout, a cancelation as the context's error.
func (c *Command) WaitContext(ctx context.Context) (int, error) {
	select {
	case <-c.exited:
		return c.exitCode, nil
	case <-ctx.Done():
		if code, ok := c.ExitCode(); ok {
			return code, nil
		}
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, err
	}
}

// Close closes all streams of the command, aborting it if it has not exited yet, and waits for the background goroutines to finish.
// It does not wait for the command to exit. Close is idempotent and always returns nil.
func (c *Command) Close() error {
	c.closeMut.Lock()
	defer c.closeMut.Unlock()
	c.closing.Store(true)

	closedChannel := false
	if !c.stdin.Closed() {
		if err := c.stdin.Close(); err != nil {
			c.log.Debugf("error closing stdin: %s", err)
		}
		if err := c.stdin.Channel().Close(); err != nil {
			c.log.Debugf("error closing channel: %s", err)
		}
		closedChannel = true
	}
	for _, cp := range []*capture{c.stdout, c.stderr} {
		if cp.stream.Closed() {
			continue
		}
		if err := cp.stream.Close(); err != nil {
			c.log.Debugf("error closing %s: %s", cp.name, err)
		}
	}

	// stdin may have been closed by the caller while the command keeps running,
	// and stream closers are not required to close the channel
	if _, exited := c.ExitCode(); !exited && !closedChannel {
		if err := c.stdout.stream.Channel().Close(); err != nil {
			c.log.Debugf("error closing channel: %s", err)
		}
	}

	<-c.stdout.done
	<-c.stderr.done
	<-c.exitDone
	return nil
}

// Run calls f with c and closes c when f returns or panics.
// Closing does not wait, so f must Wait for the command if it needs the result; otherwise the command is aborted.
func Run(c *Command, f func(c *Command) error) error {
	defer c.Close()
	return f(c)
}
