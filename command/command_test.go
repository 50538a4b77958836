package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func TestCapturesOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	f.stdout(t, "a\n")
	f.stdout(t, "b\n")
	f.exit(0)

	code, err := f.cmd.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.Eventually(t, func() bool { return f.cmd.Stdout() == "a\nb\n" }, time.Second, time.Millisecond)
	assert.Equal(t, "", f.cmd.Stderr())
}

func TestStderrAndExitCode(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	f.stderr(t, "something went wrong\n")
	f.exit(7)

	_, err := f.cmd.Wait(time.Second)
	require.NoError(t, err)

	code, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 7, code)

	f.cmd.Close()
	assert.Equal(t, "something went wrong\n", f.cmd.Stderr())
}

func TestExitCodeStableAfterCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	_, ok := f.cmd.ExitCode()
	assert.False(t, ok)

	f.exit(3)
	code, err := f.cmd.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	for i := 0; i < 10; i++ {
		c, ok := f.cmd.ExitCode()
		require.True(t, ok)
		require.Equal(t, code, c)
	}

	f.cmd.Close()
	c, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, code, c)
}

func TestWaitTimeoutLeavesCommandUsable(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	_, err := f.cmd.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := f.cmd.ExitCode()
	assert.False(t, ok)
	assert.Zero(t, f.ch.closeCalls.Load(), "a timed out wait must not abort the command")

	f.stdout(t, "still alive\n")
	f.exit(0)

	code, err := f.cmd.Wait(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.Eventually(t, func() bool { return f.cmd.Stdout() == "still alive\n" }, time.Second, time.Millisecond)
}

func TestWaitContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.cmd.WaitContext(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestCloseAbortsRunningCommand(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	f.stdout(t, "partial\n")

	closed := make(chan struct{})
	go func() {
		f.cmd.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	code, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, -1, code)
	assert.Equal(t, "partial\n", f.cmd.Stdout())
	assert.EqualValues(t, 1, f.ch.closeCalls.Load())
	assert.EqualValues(t, 1, f.stdin.closeCalls.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	f.stdout(t, "done\n")
	f.exit(0)
	_, err := f.cmd.Wait(time.Second)
	require.NoError(t, err)

	require.NoError(t, f.cmd.Close())
	require.NoError(t, f.cmd.Close())

	assert.EqualValues(t, 1, f.ch.closeCalls.Load())
	assert.EqualValues(t, 1, f.stdin.closeCalls.Load())
	assert.Equal(t, "done\n", f.cmd.Stdout())

	code, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, code, "closing after exit must not change the exit code")
}

func TestConcurrentClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)

	var group errgroup.Group
	for i := 0; i < 5; i++ {
		group.Go(f.cmd.Close)
	}
	require.NoError(t, group.Wait())

	assert.EqualValues(t, 1, f.ch.closeCalls.Load())
	assert.EqualValues(t, 1, f.stdin.closeCalls.Load())
}

func TestConcurrentWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	var group errgroup.Group
	codes := make([]int, 10)
	for i := range codes {
		i := i
		group.Go(func() error {
			code, err := f.cmd.Wait(0)
			codes[i] = code
			return err
		})
	}

	f.exit(5)
	require.NoError(t, group.Wait())
	for _, code := range codes {
		assert.Equal(t, 5, code)
	}
}

func TestCloseDuringWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)

	type result struct {
		code int
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		code, err := f.cmd.Wait(0)
		resCh <- result{code: code, err: err}
	}()

	require.NoError(t, f.cmd.Close())

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, -1, res.code)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
}

func TestOutputOnlyGrows(t *testing.T) {
	cases := []struct {
		name   string
		writer func(f *fakeRemote) io.Writer
		output func(c *Command) string
	}{
		{
			name:   "stdout",
			writer: func(f *fakeRemote) io.Writer { return f.stdoutW },
			output: (*Command).Stdout,
		},
		{
			name:   "stderr",
			writer: func(f *fakeRemote) io.Writer { return f.stderrW },
			output: (*Command).Stderr,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			f := startFake(t)
			defer f.cmd.Close()

			w := c.writer(f)
			writeDone := make(chan struct{})
			go func() {
				defer close(writeDone)
				for i := 0; i < 200; i++ {
					_, err := fmt.Fprintf(w, "line %d\n", i)
					if err != nil {
						return
					}
				}
				f.exit(0)
			}()

			prev := ""
			for {
				cur := c.output(f.cmd)
				require.True(t, strings.HasPrefix(cur, prev), "%s shrank or changed: %q -> %q", c.name, prev, cur)
				prev = cur
				if _, ok := f.cmd.ExitCode(); ok {
					break
				}
			}
			<-writeDone
			f.cmd.Close()

			final := c.output(f.cmd)
			require.True(t, strings.HasPrefix(final, prev))
			assert.Equal(t, 200, strings.Count(final, "\n"))
		})
	}
}

func TestTrailingPartialLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	f.stdout(t, "no newline")
	f.exit(0)
	_, err := f.cmd.Wait(time.Second)
	require.NoError(t, err)

	f.cmd.Close()
	assert.Equal(t, "no newline", f.cmd.Stdout())
}

func TestInput(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	defer f.cmd.Close()

	// behave like "cat": copy stdin to stdout, then exit when stdin is closed
	catDone := make(chan struct{})
	go func() {
		defer close(catDone)
		_, _ = io.Copy(f.stdoutW, f.stdinR)
		f.exit(0)
	}()

	_, err := io.WriteString(f.cmd.Input(), "hello\n")
	require.NoError(t, err)
	require.NoError(t, f.cmd.Input().Close())
	assert.True(t, f.cmd.Input().Closed())

	code, err := f.cmd.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	<-catDone

	require.Eventually(t, func() bool { return f.cmd.Stdout() == "hello\n" }, time.Second, time.Millisecond)

	f.cmd.Close()
	assert.EqualValues(t, 1, f.stdin.closeCalls.Load())
	assert.Zero(t, f.ch.closeCalls.Load(), "the command had already exited")
}

func TestCloseAfterInputClosedAbortsCommand(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	require.NoError(t, f.cmd.Input().Close())

	closed := make(chan struct{})
	go func() {
		f.cmd.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	code, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, -1, code)
	assert.EqualValues(t, 1, f.ch.closeCalls.Load())
	assert.EqualValues(t, 1, f.stdin.closeCalls.Load())
}

func TestRunClosesOnReturn(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	errBoom := errors.New("boom")
	err := Run(f.cmd, func(c *Command) error {
		_, err := c.Wait(10 * time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	code, ok := f.cmd.ExitCode()
	require.True(t, ok)
	assert.Equal(t, -1, code, "leaving Run before exit aborts the command")
}

func TestRunClosesOnPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := startFake(t)
	require.Panics(t, func() {
		_ = Run(f.cmd, func(c *Command) error { panic("oops") })
	})
	assert.EqualValues(t, 1, f.ch.closeCalls.Load())
	_, ok := f.cmd.ExitCode()
	assert.True(t, ok)
}

// erroringStream fails its first read with a non-EOF error.
type erroringStream struct {
	Stream
	err error
}

func (s *erroringStream) ReadLine() ([]byte, error) { return nil, s.err }

func TestUnexpectedReadErrorIsLogged(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()

	ch := newFakeChannel()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ch.onClose = func() {
		stdinR.Close()
		stdoutW.Close()
	}
	stderr := &erroringStream{
		Stream: NewStream(strings.NewReader(""), nil, ch),
		err:    errors.New("connection reset"),
	}
	cmd := New(NewInput(stdinW, ch), NewStream(stdoutR, stdoutR, ch), stderr, WithLogger(log))
	<-cmd.stderr.done
	require.NoError(t, cmd.Close())

	entries := logs.FilterMessageSnippet("stderr reader got unexpected error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "command", entries[0].LoggerName)

	// errors caused by Close itself are not reported
	assert.Empty(t, logs.FilterMessageSnippet("stdout reader").All())
}
