package command

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeChannel simulates a transport channel. Closing it tears down all pipes of the fake remote process,
// and a pending RecvExitStatus returns -1.
type fakeChannel struct {
	exitCh     chan int
	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
	onClose    func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exitCh: make(chan int, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) RecvExitStatus() int {
	select {
	case code := <-f.exitCh:
		return code
	case <-f.closed:
		return -1
	}
}

func (f *fakeChannel) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() {
		close(f.closed)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// countingWriteCloser counts Close calls on the stdin writer.
type countingWriteCloser struct {
	io.WriteCloser
	closeCalls atomic.Int32
}

func (c *countingWriteCloser) Close() error {
	c.closeCalls.Add(1)
	return c.WriteCloser.Close()
}

// fakeRemote is the remote side of a command backed by in-memory pipes.
type fakeRemote struct {
	ch      *fakeChannel
	stdin   *countingWriteCloser
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	cmd     *Command
}

func startFake(t *testing.T, opts ...Option) *fakeRemote {
	t.Helper()
	ch := newFakeChannel()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	ch.onClose = func() {
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
	}
	stdin := &countingWriteCloser{WriteCloser: stdinW}

	cmd := New(
		NewInput(stdin, ch),
		NewStream(stdoutR, stdoutR, ch),
		NewStream(stderrR, stderrR, ch),
		opts...,
	)
	return &fakeRemote{
		ch:      ch,
		stdin:   stdin,
		stdinR:  stdinR,
		stdoutW: stdoutW,
		stderrW: stderrW,
		cmd:     cmd,
	}
}

func (f *fakeRemote) stdout(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(f.stdoutW, s)
	if err != nil {
		t.Fatalf("writing stdout: %s", err)
	}
}

func (f *fakeRemote) stderr(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(f.stderrW, s)
	if err != nil {
		t.Fatalf("writing stderr: %s", err)
	}
}

// exit closes the output streams and reports the exit status, like a process exiting on its own.
func (f *fakeRemote) exit(code int) {
	f.stdoutW.Close()
	f.stderrW.Close()
	f.ch.exitCh <- code
}
