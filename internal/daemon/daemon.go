// Package daemon moves a running workerd into the background.
//
// A Go process can't fork, so Detach starts the same executable again in a
// new session with the standard streams bound to the null device, then exits
// the original process. The new process sees the marker variable, recognizes
// itself as the detached instance and continues past Detach. Only that
// instance ever returns from a successful Detach.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Environment variables passed to the detached instance.
const (
	EnvDetached = "WORKERD_DETACHED"
	EnvWorkDir  = "WORKERD_WORKDIR"
)

type State int

const (
	Foreground State = iota
	Detached
)

func (s State) String() string {
	switch s {
	case Foreground:
		return "foreground"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrAlreadyDetached = errors.New("detach already called")
	ErrUnsupported     = errors.New("detaching is not supported on this platform")
)

// Command is the process to spawn.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Controller performs the single Foreground to Detached transition.
type Controller struct {
	mx     sync.Mutex
	called bool
	state  State

	// Spawn starts cmd detached and returns its pid.
	Spawn func(cmd Command) (int, error)
	// Exit ends the original process after a successful spawn.
	Exit func(code int)
	// Console receives the operator facing lifecycle lines.
	Console io.Writer

	getenv     func(string) string
	executable func() (string, error)
	getwd      func() (string, error)
	args       []string
	environ    []string
}

func NewController() *Controller {
	return &Controller{
		Spawn:      spawn,
		Exit:       os.Exit,
		Console:    os.Stdout,
		getenv:     os.Getenv,
		executable: os.Executable,
		getwd:      os.Getwd,
		args:       os.Args,
		environ:    os.Environ(),
	}
}

// State returns Detached once this process is the surviving instance.
func (c *Controller) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Detach turns the process into a background daemon. In the original process
// it spawns the detached instance and calls Exit(0), never returning on
// success. In the detached instance it restores the working directory the
// daemon was started from and returns Detached.
func (c *Controller) Detach(ctx context.Context) (State, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.called {
		return c.state, ErrAlreadyDetached
	}
	c.called = true

	if c.getenv(EnvDetached) == "1" {
		if err := becomeDaemon(c.getenv(EnvWorkDir)); err != nil {
			return c.state, err
		}
		c.state = Detached
		slog.InfoContext(ctx, "running detached", "pid", os.Getpid())
		return c.state, nil
	}

	cmd, err := c.command()
	if err != nil {
		return c.state, err
	}
	pid, err := c.Spawn(cmd)
	if err != nil {
		return c.state, fmt.Errorf("spawning detached process: %w", err)
	}

	slog.InfoContext(ctx, "detached process spawned", "pid", pid, "dir", cmd.Dir)
	_, _ = fmt.Fprintf(c.Console, "workerd: running in background, pid %d\n", pid)
	c.Exit(0)
	// Exit is replaceable and may return
	return c.state, nil
}

func (c *Controller) command() (Command, error) {
	path, err := c.executable()
	if err != nil {
		return Command{}, fmt.Errorf("locating executable: %w", err)
	}
	wd, err := c.getwd()
	if err != nil {
		return Command{}, fmt.Errorf("reading working directory: %w", err)
	}

	env := make([]string, 0, len(c.environ)+2)
	for _, kv := range c.environ {
		if hasKey(kv, EnvDetached) || hasKey(kv, EnvWorkDir) {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, EnvDetached+"=1", EnvWorkDir+"="+wd)

	var args []string
	if len(c.args) > 1 {
		args = append(args, c.args[1:]...)
	}
	return Command{
		Path: path,
		Args: args,
		Env:  env,
		Dir:  wd,
	}, nil
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
