//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package daemon

func spawn(Command) (int, error) {
	return 0, ErrUnsupported
}

func becomeDaemon(string) error {
	return ErrUnsupported
}
