package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/procrpc/procrpc/bridge"
	"github.com/procrpc/procrpc/catalog"
	"github.com/procrpc/procrpc/remote"
	"github.com/procrpc/procrpc/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "bridgectl",
		Usage: "launch catalog servers and talk to them over line-delimited JSON-RPC",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML server catalog.",
				Value: "servers.toml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "trace-dir",
				Usage: "Directory for raw wire trace files. Tracing is off when empty.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "start a catalog server, send one request, print the result",
				ArgsUsage: "SERVER METHOD [PARAMS-JSON]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Per-call timeout. Zero uses the server's configured default.",
					},
					&cli.DurationFlag{
						Name:  "stop-timeout",
						Usage: "How long to wait for the child to exit before killing it.",
						Value: bridge.DefaultStopTimeout,
					},
				},
				Action: callAction,
			},
			{
				Name:      "notify",
				Usage:     "start a catalog server and send one fire-and-forget notification",
				ArgsUsage: "SERVER METHOD [PARAMS-JSON]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "linger",
						Usage: "How long to keep the child alive after sending, so it can act on the notification.",
						Value: time.Second,
					},
					&cli.DurationFlag{
						Name:  "stop-timeout",
						Usage: "How long to wait for the child to exit before killing it.",
						Value: bridge.DefaultStopTimeout,
					},
				},
				Action: notifyAction,
			},
			{
				Name:      "serve",
				Usage:     "host a catalog server behind a WebSocket endpoint, one child per connection",
				ArgsUsage: "SERVER",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "127.0.0.1:8377",
					},
				},
				Action: serveAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// lookupServer resolves the SERVER positional argument against the catalog.
func lookupServer(ctx *cli.Context) (catalog.Server, error) {
	if ctx.NArg() < 1 {
		return catalog.Server{}, fmt.Errorf("usage: %s", ctx.Command.ArgsUsage)
	}
	cat, err := catalog.Load(ctx.String("config"))
	if err != nil {
		return catalog.Server{}, err
	}
	return cat.Lookup(ctx.Args().Get(0))
}

func parseParams(ctx *cli.Context) (json.RawMessage, error) {
	if ctx.NArg() < 3 {
		return nil, nil
	}
	raw := json.RawMessage(ctx.Args().Get(2))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params is not valid JSON: %s", raw)
	}
	return raw, nil
}

// startTransport spins up the catalog entry's child and returns the running
// transport plus its stop function.
func startTransport(ctx *cli.Context, logger *zap.Logger, server catalog.Server) (*bridge.Transport, func(), error) {
	opts := []bridge.Option{bridge.WithLogger(logger)}
	if dir := ctx.String("trace-dir"); dir != "" {
		sink, err := rpc.NewFileSink(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace sink: %w", err)
		}
		logger.Sugar().Infow("tracing wire traffic", "path", sink.Path())
		opts = append(opts, bridge.WithTraceSink(sink))
	}

	transport := server.NewTransport(opts...)
	req := server.StartRequest()
	req.OnNotification = func(method string, params json.RawMessage) {
		logger.Sugar().Infow("notification from child", "method", method, "params", string(params))
	}
	if err := transport.Start(req); err != nil {
		return nil, nil, err
	}

	stop := func() {
		if err := transport.Stop(ctx.Duration("stop-timeout")); err != nil {
			logger.Sugar().Warnw("stopping child", "error", err)
		}
	}
	return transport, stop, nil
}

func callAction(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: call %s", ctx.Command.ArgsUsage)
	}
	method := ctx.Args().Get(1)
	params, err := parseParams(ctx)
	if err != nil {
		return err
	}
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	server, err := lookupServer(ctx)
	if err != nil {
		return err
	}

	transport, stop, err := startTransport(ctx, logger, server)
	if err != nil {
		return err
	}
	defer stop()

	result, err := transport.Call(context.Background(), method, params, ctx.Duration("timeout"))
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	fmt.Println(string(result))
	return nil
}

func notifyAction(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: notify %s", ctx.Command.ArgsUsage)
	}
	method := ctx.Args().Get(1)
	params, err := parseParams(ctx)
	if err != nil {
		return err
	}
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	server, err := lookupServer(ctx)
	if err != nil {
		return err
	}

	transport, stop, err := startTransport(ctx, logger, server)
	if err != nil {
		return err
	}
	defer stop()

	if err := transport.Notify(method, params); err != nil {
		return fmt.Errorf("notifying %s: %w", method, err)
	}
	// Notifications have no reply, so give the child a moment to act before
	// stdin closes under it.
	time.Sleep(ctx.Duration("linger"))
	return nil
}

func serveAction(ctx *cli.Context) error {
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	server, err := lookupServer(ctx)
	if err != nil {
		return err
	}

	srv := remote.NewServer(server.Command, server.Args,
		remote.WithServerLogger(logger),
		remote.WithEnv(server.Env),
		remote.WithWorkingDir(server.WorkingDir),
		remote.WithListenAddr(ctx.String("listen-addr")),
	)
	logger.Sugar().Infow("serving", "addr", ctx.String("listen-addr"), "command", server.Command)
	return srv.Run()
}
