package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/remotecmd/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodeAgent is an HTTP agent that runs commands on the host it runs on.
// The agent requires mTLS for both traffic encryption and authz.
type NodeAgent struct {
	logger *zap.SugaredLogger

	tlsConfig *tls.Config

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer    *http.Server
	commandServer *process.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

// WithHeartbeatTimeout sets how long the agent waits for a heartbeat before calling the failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// NewNodeAgent constructs a new node agent.
// The PEM bytes are the CA cert used to verify clients, and the agent's own cert and key.
func NewNodeAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	tlsConfig, err := ServerTLSConfig(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	n := &NodeAgent{
		logger:           logger.Sugar(),
		tlsConfig:        tlsConfig,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.commandServer = &process.Server{Log: n.logger.Named("command_server")}
	n.logger = n.logger.Named("nodeagent")

	router := httprouter.New()
	router.GET("/heartbeat", n.heartbeat)
	router.GET("/command", n.commandWS)
	n.httpServer = &http.Server{Handler: router}

	return n, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler whenever the heartbeat has timed out.
func (a *NodeAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Debugf("no heartbeat since %s", lastHeartbeat)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *NodeAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.logger.Debugw("listening", "Addr", tcpListener.Addr().String())

	err = a.httpServer.Serve(tls.NewListener(tcpListener, a.tlsConfig))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Stop stops the HTTP server and the heartbeat check. Command connections that were already upgraded are not closed.
func (a *NodeAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	b, err := json.Marshal(HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *NodeAgent) commandWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.commandServer.ServeHTTP(w, r)
}
