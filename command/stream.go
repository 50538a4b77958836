package command

import (
	"bufio"
	"io"
	"sync/atomic"
)

type input struct {
	w      io.WriteCloser
	ch     Channel
	closed atomic.Bool
}

// NewInput wraps the stdin writer of a remote process.
// Closing the returned Input closes w once; it does not close ch.
func NewInput(w io.WriteCloser, ch Channel) Input {
	return &input{w: w, ch: ch}
}

func (i *input) Write(b []byte) (int, error) { return i.w.Write(b) }

func (i *input) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	return i.w.Close()
}

func (i *input) Closed() bool { return i.closed.Load() }

func (i *input) Channel() Channel { return i.ch }

type stream struct {
	r      *bufio.Reader
	closer io.Closer
	ch     Channel
	closed atomic.Bool
}

// NewStream wraps a stdout or stderr reader of a remote process.
// closer is called when the stream is closed and must unblock a pending read of r. It may be nil if r needs no closing.
// Reads are not refused after Close, so data the transport already buffered can still be drained.
func NewStream(r io.Reader, closer io.Closer, ch Channel) Stream {
	return &stream{
		r:      bufio.NewReader(r),
		closer: closer,
		ch:     ch,
	}
}

func (s *stream) ReadLine() ([]byte, error) {
	return s.r.ReadBytes('\n')
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *stream) Closed() bool { return s.closed.Load() }

func (s *stream) Channel() Channel { return s.ch }
