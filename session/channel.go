package session

import (
	"errors"
	"sync"

	"golang.org/x/crypto/ssh"
)

// channel adapts an ssh.Session to command.Channel.
type channel struct {
	sess      *ssh.Session
	closeOnce sync.Once
}

// RecvExitStatus returns -1 if the session ended without an exit status, e.g. because it was closed.
func (c *channel) RecvExitStatus() int {
	err := c.sess.Wait()
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Close closes the session once; later calls are no-ops.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.sess.Close() })
	return err
}
