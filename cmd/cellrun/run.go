package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/guseggert/cellrun/api"
	"github.com/guseggert/cellrun/internal/prompt"
	"github.com/guseggert/cellrun/resolve"
	"github.com/guseggert/cellrun/runner"
	"github.com/urfave/cli/v2"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "resolve the variables of a cell and run it",
	ArgsUsage: "[cell text]",
	Description: "The cell is read from --file, from the arguments, or from stdin when neither is given.\n" +
		"The command exits with the program's exit code.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "Read the cell from this file.",
		},
		&cli.StringFlag{
			Name:    "language",
			Aliases: []string{"l"},
			Usage:   "The language id of the cell. Overrides the config file.",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "How the cell is handed to the engine. One of [inline,tempfile,template]. Overrides the config file.",
		},
		&cli.StringFlag{
			Name:  "prompt",
			Usage: "Which variables to prompt for. One of [auto,prompt,skip]. Overrides the config file.",
		},
		&cli.BoolFlag{
			Name:  "tty",
			Usage: "Run the program in a pseudo-terminal. Ignored when stdin is not a terminal.",
		},
		&cli.StringFlag{
			Name:  "program",
			Usage: "The program to run. Defaults to the engine's shell for inline cells, and to the language's interpreter otherwise.",
		},
		&cli.StringFlag{
			Name:  "session",
			Usage: "Run in this engine session. Exported variables are written back to it.",
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Add a KEY=VALUE variable to the program's environment.",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Print the resolved cell instead of running it.",
		},
	},
	Action: runCell,
}

func runCell(c *cli.Context) error {
	env, err := newCLIEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()
	log := env.log.Sugar()
	cfg := env.cfg

	text, fromStdin, err := cellText(c)
	if err != nil {
		return err
	}
	language := cfg.Language
	if c.IsSet("language") {
		language = c.String("language")
	}
	mode, err := parseCommandMode(stringFlag(c, "mode", cfg.CommandMode))
	if err != nil {
		return err
	}
	promptMode, err := parseResolveMode(stringFlag(c, "prompt", cfg.PromptMode))
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(c.String("dir"))
	if err != nil {
		return fmt.Errorf("resolving directory: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	r := runner.New(env.client, runner.WithLogger(env.log))
	defer r.Dispose(context.Background())

	var session *runner.Environment
	if id := c.String("session"); id != "" {
		session, err = r.OpenEnvironment(ctx, id)
		if err != nil {
			return fmt.Errorf("opening session: %w", err)
		}
	}

	extraEnv := c.StringSlice("env")
	req := resolve.Request{
		Text:        text,
		LanguageID:  language,
		CommandMode: mode,
		PromptMode:  promptMode,
		Env:         append(os.Environ(), extraEnv...),
		SecretNames: cfg.Secrets,
	}
	if session != nil {
		req.SessionID = session.ID()
		req.KnownEnvNames = session.InitialEnvNames()
	}
	resolver := resolve.New(env.client, prompt.New(os.Stdin, os.Stderr), resolve.WithLogger(env.log))
	exec, err := resolver.Resolve(ctx, req)
	switch {
	case errors.Is(err, resolve.ErrResolutionCancelled):
		return cli.Exit("cancelled", 130)
	case errors.Is(err, api.ErrInvalidLanguage):
		fmt.Fprintf(os.Stderr, "warning: %q cells cannot run inline, try --mode tempfile\n", language)
		return cli.Exit("", 1)
	case err != nil:
		return err
	}

	if c.Bool("dry-run") {
		printExec(c.App.Writer, exec)
		return nil
	}

	program := c.String("program")
	if program == "" && mode != api.CommandModeInline {
		p, ok := resolve.ProgramForLanguage(language)
		if !ok {
			return fmt.Errorf("no program known for language %q, use --program", language)
		}
		program = p
	}

	tty := c.Bool("tty") && isTerminal(os.Stdin)
	s, err := r.CreateProgramSession(runner.RunOptions{
		ProgramName: program,
		Directory:   dir,
		Envs:        extraEnv,
		Exec:        exec,
		Tty:         tty,
		ConvertEOL:  cfg.ConvertEOL,
		LanguageID:  language,
		CommandMode: mode,
		Environment: session,
	})
	if err != nil {
		return err
	}
	s.OnStdoutRaw(func(b []byte) { os.Stdout.Write(b) })
	s.OnStderrRaw(func(b []byte) { os.Stderr.Write(b) })
	s.OnError(func(err error) { log.Debugw("program session failed", "Error", err) })

	if tty {
		restore, err := makeRaw(os.Stdin)
		if err != nil {
			return fmt.Errorf("setting terminal to raw mode: %w", err)
		}
		defer restore()
		s.RegisterTerminalWindow(windowTag, nil)
		err = s.Open(ctx, terminalSize(os.Stdout), windowTag)
		if err != nil {
			return err
		}
		go watchResize(ctx, log, s, os.Stdout)
	} else {
		err = s.Run(ctx)
		if err != nil {
			return err
		}
		go stopOnInterrupt(ctx, log, s)
	}

	if fromStdin {
		err = s.CloseInput()
		if err != nil {
			log.Debugf("closing input: %s", err)
		}
	} else {
		go forwardInput(log, s, os.Stdin)
	}

	reason, err := s.Wait(ctx)
	if err != nil {
		return err
	}
	switch reason.Kind {
	case runner.ExitReasonExit:
		if reason.Code != 0 {
			return cli.Exit("", reason.Code)
		}
	case runner.ExitReasonError:
		return reason.Err
	}
	return nil
}

// cellText returns the cell and whether it was read from stdin.
func cellText(c *cli.Context) (string, bool, error) {
	if f := c.String("file"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", false, fmt.Errorf("reading cell: %w", err)
		}
		return string(b), false, nil
	}
	if c.Args().Present() {
		return strings.Join(c.Args().Slice(), " "), false, nil
	}
	if isTerminal(os.Stdin) {
		return "", false, errors.New("no cell given, pass it as arguments, with --file, or on stdin")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", false, fmt.Errorf("reading cell from stdin: %w", err)
	}
	return string(b), true, nil
}

func stringFlag(c *cli.Context, name, def string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return def
}

func parseCommandMode(s string) (api.CommandMode, error) {
	switch m := api.CommandMode(s); m {
	case api.CommandModeInline, api.CommandModeTempFile, api.CommandModeTemplate:
		return m, nil
	}
	return "", fmt.Errorf("unknown command mode %q", s)
}

func parseResolveMode(s string) (api.ResolveMode, error) {
	switch m := api.ResolveMode(s); m {
	case api.ResolveModeAuto, api.ResolveModePrompt, api.ResolveModeSkipAll:
		return m, nil
	}
	return "", fmt.Errorf("unknown prompt mode %q", s)
}

func printExec(w io.Writer, exec api.Exec) {
	if exec.Type == api.ExecTypeScript {
		fmt.Fprintln(w, exec.Script)
		return
	}
	for _, cmd := range exec.Commands {
		fmt.Fprintln(w, cmd)
	}
}
