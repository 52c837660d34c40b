package adb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error values used by this package. Wire-level decode failures
// (bad checksum, bad magic, oversized payload) carry their own types in the
// wire package; everything here is connection- or stream-level.
var (
	// The transport died or the connection was torn down while an operation
	// was in flight. All streams on the connection are dead with it.
	ErrConnectionClosed = errors.New("connection closed")
	// The device kept challenging us beyond the retry budget, or never
	// accepted the public key.
	ErrAuthRejected = errors.New("authentication rejected by device")
	// The device answered an OPEN with CLSE. Only that stream is affected.
	ErrStreamRefused = errors.New("stream refused by device")
	// Tried to perform an operation on a path that doesn't exist on the device.
	ErrFileNotExist = errors.New("file does not exist")
	// The peer did not complete a protocol exchange within the configured bound.
	ErrTimeout = errors.New("timed out waiting for device")
)

// SyncRemoteError is a FAIL response from the device's sync service,
// carrying the human-readable reason verbatim.
type SyncRemoteError struct {
	Reason string
}

func (e *SyncRemoteError) Error() string {
	return fmt.Sprintf("sync failed on device: %s", e.Reason)
}

// ShellExitError reports a nonzero exit code from a shell command.
type ShellExitError struct {
	Command  string
	ExitCode int
}

func (s ShellExitError) Error() string {
	return fmt.Sprintf("shell %q exit code %d", s.Command, s.ExitCode)
}
