package process

// procRequestMessage is a request message.
// Only the first message contains the command line.
// Subsequent messages contain only stdin bytes, for streaming stdin.
type procRequestMessage struct {
	Command string

	Stdin     []byte
	StdinDone bool
}

// procResponseMessage is a command response message.
// Only the last message of the stream contains process exit information.
// Messages before the last may contain stdout or stderr bytes.
type procResponseMessage struct {
	Stdout []byte
	Stderr []byte

	// Exited is true if the process exited. ExitCode and TimeMS must be provided in that case.
	// ExitCode is -1 if the process was killed by a signal.
	Exited   bool
	ExitCode int
	TimeMS   int64
}
