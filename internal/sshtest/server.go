// Package sshtest provides an in-process SSH server for tests.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server accepts any public key, or the configured password, and runs "exec" requests locally with "sh -c".
// When the client closes a session, the process group of its command is killed.
type Server struct {
	Addr     string
	Password string
	HostKey  ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig

	m      sync.Mutex
	conns  []net.Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer starts a server on a random localhost port. It is closed when the test finishes.
func NewServer(t testing.TB, password string) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %s", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("building signer: %s", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}

	s := &Server{
		Addr:     ln.Addr().String(),
		Password: password,
		HostKey:  signer.PublicKey(),
		listener: ln,
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.Password != "" && string(pass) == s.Password {
				return nil, nil
			}
			return nil, errBadPassword
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	s.config.AddHostKey(signer)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

var errBadPassword = errors.New("wrong password")

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.m.Lock()
		if s.closed {
			s.m.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.m.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener, drops all connections, and waits for the handlers to return.
func (s *Server) Close() {
	s.m.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.m.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	defer wg.Wait()
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleSession(ch, chReqs)
		}()
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		runCommand(ch, reqs, payload.Command)
		return
	}
}

func runCommand(ch ssh.Channel, reqs <-chan *ssh.Request, cmdline string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(ch, 127)
		return
	}
	if err := cmd.Start(); err != nil {
		sendExitStatus(ch, 127)
		return
	}

	go func() {
		_, _ = io.Copy(stdin, ch)
		stdin.Close()
	}()
	// the request channel is closed once the client closes the session
	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
		cancel()
	}()

	_ = cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		// killed by a signal, which only happens when the client went away
		return
	}
	sendExitStatus(ch, code)
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
