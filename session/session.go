package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/guseggert/remotecmd/command"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type Session struct {
	log       *zap.SugaredLogger
	client    *ssh.Client
	agentConn io.Closer
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// Dial connects and authenticates to the host described by cfg.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	s := &Session{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("ssh_session")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg, agentConn, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	addr := cfg.addr()
	s.log.Debugw("dialing", "Addr", addr, "User", cfg.User)
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(c, chans, reqs)
	s.agentConn = agentConn
	return s, nil
}

// Execute starts cmdline on the host and returns a handle that captures its output.
// The command line is passed to the remote shell as is, without any escaping.
func (s *Session) Execute(cmdline string) (*command.Command, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening SSH session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("opening stderr: %w", err)
	}

	s.log.Debugf("starting command %q", cmdline)
	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}

	// closing either output stream closes the whole session, which unblocks its reads
	ch := &channel{sess: sess}
	return command.New(
		command.NewInput(stdin, ch),
		command.NewStream(stdout, ch, ch),
		command.NewStream(stderr, ch, ch),
		command.WithLogger(s.log),
	), nil
}

// Run starts cmdline and calls f with its handle, which is closed when f returns.
// If f returns before the command exits, the command is aborted.
func (s *Session) Run(cmdline string, f func(c *command.Command) error) error {
	c, err := s.Execute(cmdline)
	if err != nil {
		return err
	}
	return command.Run(c, f)
}

// Close closes the connection, which aborts any commands still running on it.
func (s *Session) Close() error {
	err := s.client.Close()
	if s.agentConn != nil {
		s.agentConn.Close()
	}
	return err
}
