package command

import "io"

// Channel is the transport channel that a remote command runs on.
type Channel interface {
	// RecvExitStatus blocks until the remote process exits and returns its exit status.
	// If the channel is closed before a status arrives, it returns a sentinel status (usually -1) instead of an error.
	// It is called at most once per command.
	RecvExitStatus() int

	// Close tears down the channel, which terminates the remote process if it is still running.
	Close() error
}

// Input is the write side of the remote process's stdin.
type Input interface {
	io.WriteCloser
	Closed() bool
	Channel() Channel
}

// Stream is a read side of the remote process's stdout or stderr.
type Stream interface {
	// ReadLine blocks until a full line (including the trailing newline) is available.
	// At end of stream it returns any trailing partial line along with io.EOF.
	ReadLine() ([]byte, error)
	Close() error
	Closed() bool
	Channel() Channel
}
