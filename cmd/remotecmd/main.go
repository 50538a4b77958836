package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/guseggert/remotecmd/command"
	"github.com/guseggert/remotecmd/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// buildConfig starts from the config file, if any, and applies the flags that were set on top of it.
func buildConfig(ctx *cli.Context) (session.Config, error) {
	cfg := session.Config{}
	if path := ctx.String("config"); path != "" {
		loaded, err := session.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if ctx.IsSet("host") {
		cfg.Host = ctx.String("host")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("user") {
		cfg.User = ctx.String("user")
	}
	if ctx.IsSet("password") {
		cfg.Password = ctx.String("password")
	}
	if ctx.IsSet("key") {
		cfg.KeyFile = ctx.String("key")
	}
	if ctx.IsSet("passphrase") {
		cfg.Passphrase = ctx.String("passphrase")
	}
	if ctx.IsSet("use-agent") {
		cfg.UseAgent = ctx.Bool("use-agent")
	}
	if ctx.IsSet("connect-timeout") || cfg.Timeout == 0 {
		cfg.Timeout = ctx.Duration("connect-timeout")
	}
	if ctx.IsSet("strict-host-key") {
		cfg.StrictHostKey = ctx.Bool("strict-host-key")
	}
	if ctx.IsSet("known-hosts") {
		cfg.KnownHostsFile = ctx.String("known-hosts")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	return cfg.Build()
}

func run(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.Exit("no command given", 2)
	}
	cmdline := strings.Join(ctx.Args().Slice(), " ")

	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	sess, err := session.Dial(ctx.Context, cfg, session.WithLogger(logger.Sugar()))
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd, err := sess.Execute(cmdline)
	if err != nil {
		return err
	}
	var code int
	waitErr := command.Run(cmd, func(c *command.Command) error {
		var err error
		code, err = c.Wait(ctx.Duration("timeout"))
		return err
	})

	// Run has closed the command, so the buffers are final
	fmt.Fprint(ctx.App.Writer, cmd.Stdout())
	fmt.Fprint(ctx.App.ErrWriter, cmd.Stderr())

	if errors.Is(waitErr, command.ErrTimeout) {
		return cli.Exit(fmt.Sprintf("command did not finish within %s and was aborted", ctx.Duration("timeout")), 124)
	}
	if waitErr != nil {
		return waitErr
	}
	if code < 0 {
		return cli.Exit("command ended without an exit status", 255)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "remotecmd",
		Usage: "run commands on remote hosts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level.",
				Value:   "warn",
				EnvVars: []string{"REMOTECMD_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a command line over SSH and print its output",
				ArgsUsage: "-- <command line>",
				Action:    run,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "YAML file with connection settings. Flags override it.",
						EnvVars: []string{"REMOTECMD_CONFIG"},
					},
					&cli.StringFlag{
						Name:    "host",
						Aliases: []string{"H"},
						Usage:   "Host to connect to.",
						EnvVars: []string{"REMOTECMD_HOST"},
					},
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "SSH port.",
						Value:   22,
						EnvVars: []string{"REMOTECMD_PORT"},
					},
					&cli.StringFlag{
						Name:    "user",
						Aliases: []string{"u"},
						Usage:   "User to log in as.",
						EnvVars: []string{"REMOTECMD_USER"},
					},
					&cli.StringFlag{
						Name:    "password",
						Usage:   "Password to authenticate with.",
						EnvVars: []string{"REMOTECMD_PASSWORD"},
					},
					&cli.StringFlag{
						Name:    "key",
						Aliases: []string{"i"},
						Usage:   "Private key file to authenticate with.",
						EnvVars: []string{"REMOTECMD_KEY"},
					},
					&cli.StringFlag{
						Name:    "passphrase",
						Usage:   "Passphrase of the private key.",
						EnvVars: []string{"REMOTECMD_PASSPHRASE"},
					},
					&cli.BoolFlag{
						Name:    "use-agent",
						Usage:   "Also try the keys held by the ssh-agent at $SSH_AUTH_SOCK.",
						EnvVars: []string{"REMOTECMD_USE_AGENT"},
					},
					&cli.BoolFlag{
						Name:    "strict-host-key",
						Usage:   "Refuse hosts that are not in the known_hosts file.",
						EnvVars: []string{"REMOTECMD_STRICT_HOST_KEY"},
					},
					&cli.StringFlag{
						Name:    "known-hosts",
						Usage:   "known_hosts file to check host keys against. Defaults to ~/.ssh/known_hosts.",
						EnvVars: []string{"REMOTECMD_KNOWN_HOSTS"},
					},
					&cli.DurationFlag{
						Name:    "connect-timeout",
						Usage:   "Timeout for connecting and authenticating.",
						Value:   30 * time.Second,
						EnvVars: []string{"REMOTECMD_CONNECT_TIMEOUT"},
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Usage:   "How long to wait for the command to exit before aborting it. 0 waits forever.",
						EnvVars: []string{"REMOTECMD_TIMEOUT"},
					},
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
