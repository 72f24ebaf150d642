package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/client"
	"github.com/traceport/traceport/transport"
)

func main() {
	app := &cli.App{
		Name:  "traceport",
		Usage: "attach to processes on a remote instrumentation host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "The host to connect to, as host or host:port.",
			},
			&cli.StringFlag{
				Name:  "tls",
				Usage: "TLS policy. One of [auto,enabled,disabled].",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ps",
				Usage: "enumerate processes on the host",
				Flags: []cli.Flag{
					&cli.IntSliceFlag{
						Name:  "pid",
						Usage: "Restrict enumeration to the given pids.",
					},
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Enumeration scope, e.g. minimal or full.",
					},
				},
				Action: enumerate,
			},
			{
				Name:  "attach",
				Usage: "attach to a process, load a script and stream its messages",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "pid",
						Usage:    "The pid to attach to.",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "script",
						Usage:    "Path to the script source to load.",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "persist",
						Usage: "Persist timeout; the host keeps the session alive this long across connection loss.",
					},
					&cli.StringFlag{
						Name:  "realm",
						Usage: "Execution realm on the remote side.",
					},
					&cli.BoolFlag{
						Name:  "peer",
						Usage: "Upgrade the session to a direct peer-to-peer link.",
					},
				},
				Action: attach,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildClient(cctx *cli.Context) (*client.Client, fileConfig, error) {
	cfg, err := loadFileConfig(cctx.String("config"))
	if err != nil {
		return nil, cfg, err
	}
	if host := cctx.String("host"); host != "" {
		cfg.Host = host
	}
	if tls := cctx.String("tls"); tls != "" {
		cfg.TLS = tls
	}
	if cfg.Host == "" {
		return nil, cfg, fmt.Errorf("no host configured, pass --host or set it in the config file")
	}
	policy, err := cfg.tlsPolicy()
	if err != nil {
		return nil, cfg, err
	}

	logger := zap.NewNop()
	if cctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, cfg, fmt.Errorf("building logger: %w", err)
		}
	}

	dialer := transport.NewWSDialer(cfg.Host,
		transport.WithTLSPolicy(policy),
		transport.WithWSLogger(logger),
	)
	return client.New(dialer, client.WithClientLogger(logger)), cfg, nil
}

func enumerate(cctx *cli.Context) error {
	c, _, err := buildClient(cctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
	defer cancel()

	procs, err := c.EnumerateProcesses(ctx, bus.EnumerateOptions{
		PIDs:  cctx.IntSlice("pid"),
		Scope: cctx.String("scope"),
	})
	if err != nil {
		return err
	}
	for _, p := range procs {
		fmt.Printf("%8d  %s\n", p.PID, p.Name)
	}
	return nil
}

func attach(cctx *cli.Context) error {
	c, cfg, err := buildClient(cctx)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(cctx.String("script"))
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt)
	defer cancel()

	session, err := c.Attach(ctx, cctx.Int("pid"), bus.AttachOptions{
		Realm:          cctx.String("realm"),
		PersistTimeout: cctx.Duration("persist"),
	})
	if err != nil {
		return err
	}
	defer session.Detach(context.Background())

	session.OnDetached(func(reason bus.DetachReason, crash *bus.Crash) {
		fmt.Fprintf(os.Stderr, "session detached: %s\n", reason)
		if crash != nil {
			fmt.Fprintf(os.Stderr, "crash in %s (pid %d): %s\n", crash.Process, crash.PID, crash.Summary)
		}
	})

	if cctx.Bool("peer") {
		if err := session.SetupPeerConnection(ctx, cfg.peerOptions()); err != nil {
			return fmt.Errorf("upgrading to peer connection: %w", err)
		}
	}

	script, err := session.CreateScript(ctx, string(source), bus.ScriptOptions{})
	if err != nil {
		return err
	}
	script.OnMessage(func(msg client.Message) {
		fmt.Println(msg.Text)
	})
	script.OnLog(func(level client.LogLevel, text string) {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", level, text)
	})
	if err := script.Load(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
