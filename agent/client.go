package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/remotecmd/agent/process"
	"github.com/guseggert/remotecmd/command"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	commandClient            *process.Client

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialAddr := net.JoinHostPort(ipAddr, fmt.Sprint(port))

	// Always dial the given address, so that the URL can carry the name the agent's cert was issued for.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", dialAddr)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	baseURL := fmt.Sprintf("https://%s:%d", agentHostname, port)

	c := &Client{
		Logger:            log.Named("nodeagent_client"),
		baseURL:           baseURL,
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.commandClient = &process.Client{
		HTTPClient: c.HTTPClient,
		URL:        baseURL + "/command",
		Logger:     log.Named("nodeagent_command_client"),
	}

	return c, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// Execute runs cmdline on the node with "sh -c" and returns a handle capturing its output.
// Closing the handle before the command exits kills it on the node.
func (c *Client) Execute(ctx context.Context, cmdline string) (*command.Command, error) {
	return c.commandClient.Start(ctx, cmdline)
}

// WaitForServer sends heartbeats until one succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat keeps the agent alive in the background until StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := c.SendHeartbeat(context.Background())
				if err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
