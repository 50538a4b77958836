package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/guseggert/remotecmd/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func heartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s\n", err)
	}
}

func heartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

func decodePEM(ctx *cli.Context, flag string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(ctx.String(flag))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", flag, err)
	}
	return b, nil
}

func runAgent(ctx *cli.Context) error {
	var heartbeatFailureHandler func()
	switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
	case "shutdown":
		heartbeatFailureHandler = heartbeatFailureShutdown
	case "exit":
		heartbeatFailureHandler = heartbeatFailureExit
	case "none":
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
	}

	caCertPEM, err := decodePEM(ctx, "ca-cert-pem")
	if err != nil {
		return err
	}
	certPEM, err := decodePEM(ctx, "cert-pem")
	if err != nil {
		return err
	}
	keyPEM, err := decodePEM(ctx, "key-pem")
	if err != nil {
		return err
	}

	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	a, err := agent.NewNodeAgent(
		caCertPEM,
		certPEM,
		keyPEM,
		agent.WithLogger(logger),
		agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
		agent.WithListenAddr(ctx.String("listen-addr")),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}
	return a.Run()
}

// genCerts writes a fresh CA, server, and client cert set, base64-encoding the PEMs so they can be passed as flags.
func genCerts(ctx *cli.Context) error {
	certs, err := agent.GenerateCerts()
	if err != nil {
		return err
	}
	dir := ctx.String("out")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	files := map[string][]byte{
		"ca-cert.pem":     certs.CA.CertPEMBytes,
		"server-cert.pem": certs.Server.CertPEMBytes,
		"server-key.pem":  certs.Server.KeyPEMBytes,
		"client-cert.pem": certs.Client.CertPEMBytes,
		"client-key.pem":  certs.Client.KeyPEMBytes,
	}
	for name, b := range files {
		encoded := base64.StdEncoding.EncodeToString(b)
		if err := os.WriteFile(filepath.Join(dir, name+".b64"), []byte(encoded), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "agent",
		Usage: "an HTTPS agent that runs shell commands for remote clients",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the agent",
				Action: runAgent,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "on-heartbeat-failure",
						Usage:   "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
						Value:   "none",
						EnvVars: []string{"REMOTECMD_AGENT_ON_HEARTBEAT_FAILURE"},
					},
					&cli.DurationFlag{
						Name:    "heartbeat-timeout",
						Usage:   "Duration to wait for a heartbeat before taking the heartbeat failure action.",
						Value:   time.Minute,
						EnvVars: []string{"REMOTECMD_AGENT_HEARTBEAT_TIMEOUT"},
					},
					&cli.StringFlag{
						Name:    "listen-addr",
						Usage:   "The address for the HTTPS server to listen on.",
						Value:   "0.0.0.0:8080",
						EnvVars: []string{"REMOTECMD_AGENT_LISTEN_ADDR"},
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Minimum log level.",
						Value:   "info",
						EnvVars: []string{"REMOTECMD_AGENT_LOG_LEVEL"},
					},
					&cli.StringFlag{
						Name:     "ca-cert-pem",
						Usage:    "The CA cert PEM bytes used to verify clients (base64-encoded).",
						Required: true,
						EnvVars:  []string{"REMOTECMD_AGENT_CA_CERT_PEM"},
					},
					&cli.StringFlag{
						Name:     "cert-pem",
						Usage:    "The cert PEM bytes to use (base64-encoded).",
						Required: true,
						EnvVars:  []string{"REMOTECMD_AGENT_CERT_PEM"},
					},
					&cli.StringFlag{
						Name:     "key-pem",
						Usage:    "The key PEM bytes to use (base64-encoded).",
						Required: true,
						EnvVars:  []string{"REMOTECMD_AGENT_KEY_PEM"},
					},
				},
			},
			{
				Name:   "gen-certs",
				Usage:  "generate a CA and server and client certs for mTLS",
				Action: genCerts,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "Directory to write the base64-encoded PEM files to.",
						Value: ".",
					},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
