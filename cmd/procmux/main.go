package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procmux/agent"
	"github.com/guseggert/procmux/agent/process"
	"github.com/guseggert/procmux/config"
	"github.com/guseggert/procmux/internal/logging"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "procmux",
		Usage: "runs processes on a procmux agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a command remotely, forwarding stdin, stdout and stderr",
				ArgsUsage: "-- command [args...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "addr",
						Usage:    "The agent address, host:port of its TCP listener or, with --ws, of its HTTP listener.",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "ws",
						Usage: "Connect over a WebSocket instead of raw TCP.",
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Extra KEY=VALUE environment for the command.",
					},
					&cli.StringFlag{
						Name:  "dir",
						Usage: "Working directory of the command.",
					},
					&cli.BoolFlag{
						Name:  "no-stdin",
						Usage: "Don't forward stdin, the command reads from the null device.",
					},
					&cli.DurationFlag{
						Name:  "connect-timeout",
						Usage: "How long to wait for the agent to accept the connection.",
						Value: 10 * time.Second,
					},
				},
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return errors.New("no command given")
	}

	logger, closeLogger, err := logging.New(config.LogConfig{Level: cctx.String("log-level"), Outputs: []string{"stderr"}})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closeLogger()
	sugar := logger.Sugar()

	ctx := context.Background()
	dialCtx, cancel := context.WithTimeout(ctx, cctx.Duration("connect-timeout"))
	defer cancel()

	var pc *process.Client
	if cctx.Bool("ws") {
		pc, err = agent.NewClient(sugar, "", cctx.String("addr")).DialWebSocket(dialCtx)
	} else {
		pc, err = agent.NewClient(sugar, cctx.String("addr"), "").DialTCP(dialCtx)
	}
	if err != nil {
		return err
	}
	defer pc.Close()

	opts := process.SpawnOptions{
		Env: cctx.StringSlice("env"),
		Dir: cctx.String("dir"),
	}
	if cctx.Bool("no-stdin") {
		opts.Stdio[0] = process.Ignore
	}
	args := cctx.Args().Slice()
	proc, err := pc.Spawn(ctx, args[0], args[1:], opts)
	if err != nil {
		return err
	}

	// forward the signals a terminal sends
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case sig := <-sigs:
				name := process.SignalName(sig.(syscall.Signal))
				sugar.Debugf("forwarding %s", name)
				if err := proc.Signal(ctx, name); err != nil {
					sugar.Warnf("forwarding %s: %s", name, err)
				}
			case <-proc.Done():
				return
			}
		}
	}()

	if stdin := proc.Stdin(); stdin != nil {
		// not waited on, a terminal's stdin never hits EOF
		go func() {
			if _, err := io.Copy(stdin, os.Stdin); err != nil {
				sugar.Debugf("forwarding stdin: %s", err)
			}
			stdin.Close()
		}()
	}

	var eg errgroup.Group
	eg.Go(func() error {
		_, err := io.Copy(os.Stdout, proc.Stdout())
		return err
	})
	eg.Go(func() error {
		_, err := io.Copy(os.Stderr, proc.Stderr())
		return err
	})

	res, err := proc.Wait(ctx)
	if err != nil {
		return err
	}
	if err := eg.Wait(); err != nil {
		sugar.Warnf("forwarding output: %s", err)
	}
	sugar.Debugf("remote process exited: %s", res)

	if res.IsUnknown() {
		fmt.Fprintf(os.Stderr, "procmux: %s\n", res)
	}
	if status := exitStatus(res); status != 0 {
		return cli.Exit("", status)
	}
	return nil
}

// exitStatus maps an exit result to a local exit status the way shells do.
func exitStatus(res process.ExitResult) int {
	if res.Code != nil {
		return *res.Code
	}
	if res.Signal != "" {
		if sig, err := process.ParseSignal(res.Signal); err == nil {
			return 128 + int(sig)
		}
	}
	return 255
}
