package adb

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EFForg/adb-client/wire"
)

// shellScript scripts one shell invocation: it checks the OPEN destination,
// delivers output, and closes the stream like adbd does.
func shellScript(wantLine, output string) func(d *fakeDevice) {
	return func(d *fakeDevice) {
		open := d.expect(wire.CmdOpen)
		assert.Equal(d.t, []byte(wantLine+"\x00"), open.Payload)
		d.send(wire.Message{Command: wire.CmdOkay, Arg0: 7, Arg1: open.Arg0})
		d.send(wire.Message{Command: wire.CmdWrite, Arg0: 7, Arg1: open.Arg0, Payload: []byte(output)})
		d.expect(wire.CmdOkay)
		d.send(wire.Message{Command: wire.CmdClose, Arg0: 7, Arg1: open.Arg0})
	}
}

func TestRunCommand(t *testing.T) {
	conn := newTestConnection(t, 4096, shellScript("shell:echo hello; echo :$?", "hello\n:0\n"))
	dev := &Device{conn: conn}

	out, err := dev.RunCommand("echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestRunCommandQuotesArgs(t *testing.T) {
	conn := newTestConnection(t, 4096, shellScript(`shell:ls "my file"; echo :$?`, ":0\n"))
	dev := &Device{conn: conn}

	_, err := dev.RunCommand("ls", "my file")
	require.NoError(t, err)
}

func TestRunCommandNonzeroExit(t *testing.T) {
	conn := newTestConnection(t, 4096, shellScript("shell:false; echo :$?", ":1\n"))
	dev := &Device{conn: conn}

	out, err := dev.RunCommand("false")
	assert.Equal(t, "", out)
	exitErr, ok := errors.Cause(err).(ShellExitError)
	require.True(t, ok, "want ShellExitError, got %v", err)
	assert.Equal(t, 1, exitErr.ExitCode)
	assert.Equal(t, "false", exitErr.Command)
}

func TestRunCommandRejectsQuotedArgs(t *testing.T) {
	conn := newTestConnection(t, 4096, nil)
	dev := &Device{conn: conn}

	_, err := dev.RunCommand("echo", `say "hi"`)
	assert.Error(t, err)
}

func TestCmdExitCode(t *testing.T) {
	conn := newTestConnection(t, 4096, shellScript("shell:true; echo :$?", ":0\n"))
	dev := &Device{conn: conn}

	cmd := dev.Command("true")
	assert.Equal(t, -1, cmd.ExitCode())
	require.NoError(t, cmd.Run())
	assert.Equal(t, 0, cmd.ExitCode())
}

func TestDeviceReboot(t *testing.T) {
	conn := newTestConnection(t, 4096, func(d *fakeDevice) {
		open := d.expect(wire.CmdOpen)
		assert.Equal(d.t, []byte("reboot:bootloader\x00"), open.Payload)
		d.send(wire.Message{Command: wire.CmdOkay, Arg0: 7, Arg1: open.Arg0})
		d.send(wire.Message{Command: wire.CmdClose, Arg0: 7, Arg1: open.Arg0})
	})
	dev := &Device{conn: conn}

	require.NoError(t, dev.Reboot("bootloader"))
}
