package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"gopkg.in/yaml.v3"
)

const defaultPort = 22

var (
	ErrNoCredentials = errors.New("at least one of key file or password must be given")
	ErrNoHost        = errors.New("host is required")
	ErrNoUser        = errors.New("user is required")
)

// Config describes how to connect to a host.
type Config struct {
	Host string `yaml:"host"`
	// Port defaults to 22.
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	Password   string `yaml:"password"`
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"passphrase"`
	UseAgent   bool   `yaml:"use_agent"`

	// Timeout bounds the TCP dial and the SSH handshake. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`

	// StrictHostKey requires the host key to be listed in KnownHostsFile, which defaults to ~/.ssh/known_hosts.
	StrictHostKey  bool   `yaml:"strict_host_key"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrNoHost
	}
	if c.User == "" {
		return ErrNoUser
	}
	if c.Password == "" && c.KeyFile == "" {
		return ErrNoCredentials
	}
	return nil
}

func (c *Config) addr() string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// clientConfig builds the SSH client config. The returned closer is the ssh-agent connection, if one was opened.
func (c *Config) clientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var (
		auths     []ssh.AuthMethod
		agentConn net.Conn
	)

	if c.KeyFile != "" {
		signer, err := loadSigner(c.KeyFile, c.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("loading key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auths = append(auths, ssh.Password(c.Password))
	}
	if c.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, nil, fmt.Errorf("connecting to ssh-agent: %w", err)
			}
			agentConn = conn
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
	}
	if agentConn == nil {
		return cfg, nil, nil
	}
	return cfg, agentConn, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := c.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(b)
	var missingErr *ssh.PassphraseMissingError
	if errors.As(err, &missingErr) {
		return nil, fmt.Errorf("key %q is encrypted and no passphrase was given", path)
	}
	return signer, err
}
