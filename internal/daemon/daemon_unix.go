//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// spawn starts cmd as the leader of a new session. Nil standard streams are
// bound to the null device by os/exec.
func spawn(c Command) (int, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// the child runs on its own, a failed release only leaks a handle here
	if err := release(cmd.Process); err != nil {
		slog.Warn("releasing detached process", "pid", pid, "error", err)
	}
	return pid, nil
}

var release = (*os.Process).Release

// becomeDaemon runs in the detached instance.
func becomeDaemon(workDir string) error {
	pid := os.Getpid()
	sid, err := unix.Getsid(0)
	if err != nil {
		return fmt.Errorf("reading session id: %w", err)
	}
	if sid != pid {
		if _, err := unix.Setsid(); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}
	if workDir == "" {
		return nil
	}
	if err := os.Chdir(workDir); err != nil {
		return fmt.Errorf("restoring working directory %s: %w", workDir, err)
	}
	return nil
}
