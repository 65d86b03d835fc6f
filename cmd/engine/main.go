package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/cellrun/engine"
	"github.com/guseggert/cellrun/internal/certs"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "engine",
		Usage: "the remote execution engine for cellrun",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "127.0.0.1:7863",
				EnvVars: []string{"CELLRUN_ENGINE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The minimum level of logged messages. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"CELLRUN_ENGINE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "tls-dir",
				Usage:   "Serve with mutual TLS, using the certificates in this directory. They are generated if the directory holds none.",
				EnvVars: []string{"CELLRUN_ENGINE_TLS_DIR"},
			},
			&cli.StringSliceFlag{
				Name:  "tls-host",
				Usage: "An extra host name or IP address for generated server certificates.",
			},
			&cli.StringFlag{
				Name:  "close-grace",
				Usage: "Duration to wait for a client to close an execute stream once the program exited.",
				Value: "5s",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			closeGrace, err := time.ParseDuration(ctx.String("close-grace"))
			if err != nil {
				return fmt.Errorf("parsing close grace: %w", err)
			}

			opts := []engine.Option{
				engine.WithLogLevel(level),
				engine.WithListenAddr(ctx.String("listen-addr")),
				engine.WithCloseGrace(closeGrace),
			}
			if dir := ctx.String("tls-dir"); dir != "" {
				set, err := certs.LoadOrGenerate(dir, ctx.StringSlice("tls-host"))
				if err != nil {
					return fmt.Errorf("loading certificates: %w", err)
				}
				tlsConfig, err := set.ServerTLSConfig()
				if err != nil {
					return fmt.Errorf("building TLS config: %w", err)
				}
				opts = append(opts, engine.WithTLSConfig(tlsConfig))
			}

			e, err := engine.New(opts...)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				e.Stop()
			}()

			return e.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
