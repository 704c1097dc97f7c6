package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procmux/agent"
	"github.com/guseggert/procmux/config"
	"github.com/guseggert/procmux/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

func main() {
	app := &cli.App{
		Name:  "procmux-agent",
		Usage: "runs processes for procmux clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the raw TCP listener, empty disables it.",
			},
			&cli.StringFlag{
				Name:  "ws-listen-addr",
				Usage: "The address for the HTTP and WebSocket listener, empty disables it.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take when no heartbeat arrives in time. One of [exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
				Value: time.Minute,
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			// flags that were set override the config
			if ctx.IsSet("listen-addr") {
				cfg.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("ws-listen-addr") {
				cfg.WSListenAddr = ctx.String("ws-listen-addr")
			}
			if ctx.IsSet("log-level") {
				cfg.Log.Level = ctx.String("log-level")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			logger, closeLogger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			a := agent.NewNodeAgent(
				agent.WithLogger(logger),
				agent.WithListenAddr(cfg.ListenAddr),
				agent.WithWSListenAddr(cfg.WSListenAddr),
				agent.WithQueueSize(cfg.QueueSize),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
			)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			done := make(chan struct{})
			go func() {
				select {
				case sig := <-sigs:
					logger.Sugar().Infof("got %s, shutting down", sig)
					if err := a.Stop(); err != nil {
						logger.Sugar().Errorf("stopping agent: %s", err)
					}
				case <-done:
				}
			}()

			err = a.Run()
			close(done)
			return multierr.Append(err, closeLogger())
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
