//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package daemon

import "os"

// SetRelease replaces how a spawned process is released until the test ends.
func SetRelease(t interface{ Cleanup(func()) }, fn func(*os.Process) error) {
	prev := release
	release = fn
	t.Cleanup(func() { release = prev })
}
