package adb

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Cmd represents a shell command that can be executed on a device.
// Use Device.Command to get an instance.
type Cmd struct {
	Path string
	Args []string

	exitCode int
	stream   *Stream
	output   []byte
	device   *Device
}

// Command sets up a command to execute in a shell on device d. Command
// takes ownership of args; arguments containing whitespace are quoted.
func (d *Device) Command(cmd string, args ...string) *Cmd {
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t\n\v\r") &&
			!(arg[0] == '"' && arg[len(arg)-1] == '"') {

			args[i] = `"` + arg + `"`
		}
	}
	return &Cmd{
		Path:     cmd,
		Args:     args,
		device:   d,
		exitCode: -1,
	}
}

// Start opens the shell stream for the command. The shell service reports
// no exit status of its own, so the command line is followed by an
// `echo :$?` that Wait splits back off.
func (c *Cmd) Start() error {
	if c.stream != nil {
		return errors.New("command already started")
	}
	line := c.Path
	if len(c.Args) > 0 {
		line += " " + strings.Join(c.Args, " ")
	}
	s, err := c.device.conn.OpenStream("shell:" + line + "; echo :$?")
	if err != nil {
		return err
	}
	c.stream = s
	return nil
}

// Wait reads the command output until the device closes the stream.
func (c *Cmd) Wait() error {
	if c.stream == nil {
		return errors.New("no command to wait for")
	}
	b := &strings.Builder{}
	if _, err := io.Copy(b, c.stream); err != nil {
		c.stream.Close()
		return err
	}
	out := b.String()

	// Split off the exit code echoed after the command.
	splitter := strings.LastIndexByte(out, ':')
	if splitter < 0 {
		c.output = []byte(out)
	} else {
		c.output = []byte(out[:splitter])
		exitCode, err := strconv.Atoi(strings.TrimSpace(out[splitter+1:]))
		if err == nil {
			c.exitCode = exitCode
		}
	}

	err := c.stream.Close()
	c.stream = nil
	return err
}

// Run starts and waits for the command.
func (c *Cmd) Run() error {
	err := c.Start()
	if err != nil {
		return err
	}
	return c.Wait()
}

// Output runs the command if needed and returns its output.
func (c *Cmd) Output() ([]byte, error) {
	if c.output != nil {
		return c.output, nil
	}
	if c.stream == nil {
		if err := c.Start(); err != nil {
			return nil, err
		}
	}
	if err := c.Wait(); err != nil {
		return nil, err
	}
	return c.output, nil
}

// ExitCode returns the command's exit code, or -1 before Wait finished.
func (c *Cmd) ExitCode() int {
	return c.exitCode
}

/*
RunCommand runs the specified command in a shell on the device and returns
its combined output.

Arguments must not contain double quotes; arguments with spaces are quoted
for you. Note that the device shell converts "\n" into "\r\n" (this is not
undone here, so binary output may be mangled; use sync transfers for
binary data).
*/
func (d *Device) RunCommand(cmd string, args ...string) (string, error) {
	for i, arg := range args {
		if strings.ContainsRune(arg, '"') {
			return "", errors.Errorf("arg at index %d contains an invalid double quote: %s", i, arg)
		}
	}
	c := d.Command(cmd, args...)
	out, err := c.Output()
	if err != nil {
		return "", errors.WithMessage(err, "RunCommand")
	}
	if c.ExitCode() > 0 {
		return string(out), ShellExitError{Command: cmd, ExitCode: c.ExitCode()}
	}
	return string(out), nil
}

// OpenShell opens a raw interactive shell stream. The caller owns the
// stream and reads/writes it directly.
func (d *Device) OpenShell(line string) (*Stream, error) {
	return d.conn.OpenStream("shell:" + line)
}
