package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/cellrun/client"
	"github.com/guseggert/cellrun/engine"
	"github.com/guseggert/cellrun/internal/certs"
	"github.com/guseggert/cellrun/internal/config"
	inet "github.com/guseggert/cellrun/internal/net"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "cellrun",
		Usage: "run notebook cells on a remote execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "engine",
				Usage: fmt.Sprintf("The engine address, or %q to start one in-process. Overrides the config file.", config.EngineLocal),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum level of logged messages. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "tls-dir",
				Usage: "Connect with mutual TLS, using the client certificate in this directory. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "The directory programs run in, and where the config file lookup starts.",
				Value: ".",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			envCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// cliEnv is what every command needs: the layered config, a logger and an engine client.
type cliEnv struct {
	cfg    *config.Config
	log    *zap.Logger
	client *client.Client

	// local is set when the engine runs in-process.
	local *engine.Engine
}

func newCLIEnv(c *cli.Context) (*cliEnv, error) {
	cfg, err := config.Load(c.String("dir"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("engine") {
		cfg.Engine = c.String("engine")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("tls-dir") {
		cfg.TLSDir = c.String("tls-dir")
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if cfg.File != "" {
		logger.Sugar().Debugw("loaded config", "File", cfg.File)
	}

	env := &cliEnv{cfg: cfg, log: logger}
	addr := cfg.Engine
	opts := []client.Option{client.WithLogger(logger), client.WithRetryMax(cfg.RetryMax)}
	switch {
	case addr == config.EngineLocal:
		addr, err = env.startLocalEngine()
		if err != nil {
			return nil, err
		}
	case cfg.TLSDir != "":
		set, err := certs.Load(cfg.TLSDir)
		if err != nil {
			return nil, fmt.Errorf("loading certificates: %w", err)
		}
		tlsConfig, err := set.ClientTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("building TLS config: %w", err)
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}
	env.client = client.New(addr, opts...)
	return env, nil
}

func (e *cliEnv) startLocalEngine() (string, error) {
	l, err := inet.ListenLoopback()
	if err != nil {
		return "", err
	}
	eng, err := engine.New(engine.WithLogger(e.log))
	if err != nil {
		l.Close()
		return "", fmt.Errorf("building engine: %w", err)
	}
	go func() {
		err := eng.Serve(l)
		if err != nil {
			e.log.Sugar().Errorw("local engine stopped", "Error", err)
		}
	}()
	e.local = eng
	return l.Addr().String(), nil
}

func (e *cliEnv) Close() {
	if e.local != nil {
		e.local.Stop()
	}
	e.log.Sync()
}
