package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// captureCommand is run by the interpreter after a script, and intercepted before it reaches the exec handler.
const captureCommand = "__cellrun_capture_env"

var captureProgram = func() *syntax.File {
	f, err := syntax.NewParser().Parse(strings.NewReader(captureCommand), "")
	if err != nil {
		panic(err)
	}
	return f
}()

// envCapture records which of the variables a script may have touched ended up exported, changed or unset.
type envCapture struct {
	initial map[string]string
	names   []string

	mu    sync.Mutex
	done  bool
	set   map[string]string
	unset []string
}

func newEnvCapture(file *syntax.File, initial map[string]string) *envCapture {
	names := map[string]bool{}
	for name := range initial {
		names[name] = true
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		if a, ok := node.(*syntax.Assign); ok && a.Name != nil {
			names[a.Name.Value] = true
		}
		return true
	})
	c := &envCapture{initial: initial}
	for name := range names {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c
}

func (c *envCapture) middleware(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 || args[0] != captureCommand {
			return next(ctx, args)
		}
		hc := interp.HandlerCtx(ctx)

		set := map[string]string{}
		var unset []string
		for _, name := range c.names {
			vr := hc.Env.Get(name)
			old, existed := c.initial[name]
			switch {
			case !vr.Set:
				if existed {
					unset = append(unset, name)
				}
			case vr.Exported:
				if !existed || old != vr.Str {
					set[name] = vr.Str
				}
			}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.done = true
		c.set = set
		c.unset = unset
		return nil
	}
}

// result reports nothing if the script ended without the capture running, e.g. after the exit builtin.
func (c *envCapture) result() (map[string]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		return nil, nil
	}
	return c.set, c.unset
}
