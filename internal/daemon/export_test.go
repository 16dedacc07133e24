package daemon

// WithProcess replaces what the controller reads from the running process.
func (c *Controller) WithProcess(executable, wd string, args, environ []string, getenv func(string) string) *Controller {
	c.executable = func() (string, error) { return executable, nil }
	c.getwd = func() (string, error) { return wd, nil }
	c.args = args
	c.environ = environ
	if getenv != nil {
		c.getenv = getenv
	}
	return c
}
