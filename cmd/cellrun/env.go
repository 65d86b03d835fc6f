package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/guseggert/cellrun/api"
	"github.com/guseggert/cellrun/internal/config"
	"github.com/guseggert/cellrun/runner"
	"github.com/urfave/cli/v2"
)

var envCommand = &cli.Command{
	Name:  "env",
	Usage: "manage the environments held by the engine",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "create an environment and print its id",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "smart",
					Usage: "Load the project's .env and .env.local files into the environment. Overrides the config file.",
				},
				&cli.BoolFlag{
					Name:  "empty",
					Usage: "Do not seed the environment with the current process environment.",
				},
				&cli.StringSliceFlag{
					Name:    "env",
					Aliases: []string{"e"},
					Usage:   "Add a KEY=VALUE variable to the environment.",
				},
			},
			Action: createEnv,
		},
		{
			Name:      "get",
			Usage:     "print the variables of an environment",
			ArgsUsage: "<id>",
			Action:    getEnv,
		},
		{
			Name:      "set",
			Usage:     "export variables in an environment",
			ArgsUsage: "<id> KEY=VALUE...",
			Action:    setEnv,
		},
		{
			Name:      "delete",
			Usage:     "delete an environment",
			ArgsUsage: "<id>",
			Action:    deleteEnv,
		},
	},
}

// newEngineEnv is newCLIEnv for commands whose effect must outlive the CLI process.
func newEngineEnv(c *cli.Context) (*cliEnv, error) {
	env, err := newCLIEnv(c)
	if err != nil {
		return nil, err
	}
	if env.local != nil {
		env.Close()
		return nil, fmt.Errorf("environments cannot be managed with the %q engine", config.EngineLocal)
	}
	return env, nil
}

func createEnv(c *cli.Context) error {
	env, err := newEngineEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	var envs []string
	if !c.Bool("empty") {
		envs = os.Environ()
	}
	envs = append(envs, c.StringSlice("env")...)
	smart := env.cfg.SmartEnvStore
	if c.IsSet("smart") {
		smart = c.Bool("smart")
	}

	// The runner is not disposed, the environment outlives this command.
	r := runner.New(env.client, runner.WithLogger(env.log))
	e, err := r.CreateEnvironment(c.Context, env.cfg.ProjectRoot, smart, envs, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, e.ID())
	return nil
}

func envID(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", errors.New("missing environment id")
	}
	return id, nil
}

func getEnv(c *cli.Context) error {
	id, err := envID(c)
	if err != nil {
		return err
	}
	env, err := newEngineEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	r := runner.New(env.client, runner.WithLogger(env.log))
	defer r.Dispose(context.Background())
	e, err := r.OpenEnvironment(c.Context, id)
	if err != nil {
		return err
	}
	vars, err := r.GetEnvironmentVariables(c.Context, e)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.App.Writer, "%s=%s\n", k, vars[k])
	}
	return nil
}

func setEnv(c *cli.Context) error {
	id, err := envID(c)
	if err != nil {
		return err
	}
	vars := api.ParseEnv(c.Args().Tail())
	if len(vars) == 0 {
		return errors.New("no KEY=VALUE variables given")
	}
	env, err := newEngineEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	r := runner.New(env.client, runner.WithLogger(env.log))
	defer r.Dispose(context.Background())
	e, err := r.OpenEnvironment(c.Context, id)
	if err != nil {
		return err
	}
	ok, err := r.SetEnvironmentVariables(c.Context, e, vars)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("setting variables failed", 1)
	}
	return nil
}

func deleteEnv(c *cli.Context) error {
	id, err := envID(c)
	if err != nil {
		return err
	}
	env, err := newEngineEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.client.DeleteSession(c.Context, id)
}
