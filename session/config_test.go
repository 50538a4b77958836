package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/remotecmd/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/knownhosts"
)

func knownHostsLine(srv *sshtest.Server) string {
	return knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, srv.HostKey)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		expErr error
	}{
		{
			name: "password",
			cfg:  Config{Host: "h", User: "u", Password: "p"},
		},
		{
			name: "key file",
			cfg:  Config{Host: "h", User: "u", KeyFile: "/k"},
		},
		{
			name:   "no credentials",
			cfg:    Config{Host: "h", User: "u"},
			expErr: ErrNoCredentials,
		},
		{
			name:   "no credentials even with agent",
			cfg:    Config{Host: "h", User: "u", UseAgent: true},
			expErr: ErrNoCredentials,
		},
		{
			name:   "no host",
			cfg:    Config{User: "u", Password: "p"},
			expErr: ErrNoHost,
		},
		{
			name:   "no user",
			cfg:    Config{Host: "h", Password: "p"},
			expErr: ErrNoUser,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if c.expErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, c.expErr)
		})
	}
}

func TestAddrDefaultsPort(t *testing.T) {
	assert.Equal(t, "example.com:22", (&Config{Host: "example.com"}).addr())
	assert.Equal(t, "example.com:2222", (&Config{Host: "example.com", Port: 2222}).addr())
	assert.Equal(t, "[::1]:22", (&Config{Host: "::1"}).addr())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	contents := `
host: build-1.internal
port: 2200
user: deploy
key_file: /home/deploy/.ssh/id_ed25519
timeout: 30s
strict_host_key: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Host:          "build-1.internal",
		Port:          2200,
		User:          "deploy",
		KeyFile:       "/home/deploy/.ssh/id_ed25519",
		Timeout:       30 * time.Second,
		StrictHostKey: true,
	}, cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadSignerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := loadSigner(path, "")
	assert.Error(t, err)
}
