package adb

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Device communicates with one Android device over an established
// connection. Get an instance with NewDevice.
type Device struct {
	conn *Connection
}

// NewDevice performs the handshake over transport and returns the device.
// Use DialTCP or usb.Open to get a transport, and LoadOrCreateKey for the key.
func NewDevice(transport Transport, key *DeviceKey, cfg Config) (*Device, error) {
	conn, err := Connect(transport, key, cfg)
	if err != nil {
		return nil, err
	}
	return &Device{conn: conn}, nil
}

// Connection exposes the underlying connection, for callers that want to
// open raw service streams.
func (d *Device) Connection() *Connection { return d.conn }

// Info returns the identity from the device's CONNECT banner.
func (d *Device) Info() DeviceInfo { return d.conn.Info() }

func (d *Device) String() string { return d.conn.Info().Banner }

// Close tears down the connection and all streams on it.
func (d *Device) Close() error { return d.conn.Close() }

// openSyncStream opens the dedicated sync service stream.
func (d *Device) openSyncStream() (*Stream, error) {
	return d.conn.OpenStream("sync:")
}

// Stat returns file stats of path on the device.
func (d *Device) Stat(path string) (DirEntry, error) {
	s, err := d.openSyncStream()
	if err != nil {
		return DirEntry{}, errors.Wrapf(err, "Stat(%s)", path)
	}
	defer func() {
		quitSync(s)
		s.Close()
	}()

	entry, err := stat(s, path)
	return entry, errors.WithMessagef(err, "Stat(%s)", path)
}

// List lists the directory contents of path on the device.
func (d *Device) List(path string) ([]DirEntry, error) {
	s, err := d.openSyncStream()
	if err != nil {
		return nil, errors.Wrapf(err, "List(%s)", path)
	}

	entries, err := listDirEntries(s, path)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "List(%s)", path)
	}
	return entries.ReadAll()
}

// ReadFile returns a reader for the given path on the device. Closing the
// reader closes the sync stream.
func (d *Device) ReadFile(path string) (io.ReadCloser, error) {
	s, err := d.openSyncStream()
	if err != nil {
		return nil, errors.Wrapf(err, "ReadFile(%s)", path)
	}

	reader, err := receiveFile(s, path)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "ReadFile(%s)", path)
	}
	return reader, nil
}

// OpenWrite opens the file at path on the device, creating it with the
// permissions specified by perms if necessary, and returns a writer for it.
// The file's modification time is set to mtime when the writer is closed;
// the zero value means the time Close is called. Close reports the device's
// verdict on the whole transfer.
func (d *Device) OpenWrite(path string, perms os.FileMode, mtime time.Time) (io.WriteCloser, error) {
	s, err := d.openSyncStream()
	if err != nil {
		return nil, errors.Wrapf(err, "OpenWrite(%s)", path)
	}

	writer, err := sendFile(s, path, perms, mtime, d.conn.cfg.SyncChunkSize)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "OpenWrite(%s)", path)
	}
	return writer, nil
}

// CopyFile copies the contents of r to path on the device.
func (d *Device) CopyFile(path string, r io.Reader, perms os.FileMode, mtime time.Time) (int64, error) {
	w, err := d.OpenWrite(path, perms, mtime)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return n, errors.Wrapf(err, "CopyFile(%s)", path)
	}
	return n, errors.WithMessagef(w.Close(), "CopyFile(%s)", path)
}

// Reboot asks the device to reboot. target may be empty for a normal
// reboot, or "bootloader", "recovery", "sideload".
func (d *Device) Reboot(target string) error {
	s, err := d.conn.OpenStream("reboot:" + target)
	if err != nil {
		return errors.Wrap(err, "Reboot")
	}
	defer s.Close()
	// adbd closes the stream when the reboot is underway.
	_, err = s.Recv()
	if err == io.EOF {
		err = nil
	}
	return errors.Wrap(err, "Reboot")
}

// Install pushes the package at localPath onto the device and installs it.
func (d *Device) Install(localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "Install")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "Install")
	}

	remote := path.Join("/data/local/tmp", path.Base(localPath))
	if _, err := d.CopyFile(remote, f, 0o644, info.ModTime()); err != nil {
		return errors.Wrap(err, "Install")
	}
	defer d.RunCommand("rm", remote)

	out, err := d.RunCommand("pm", "install", "-r", remote)
	if err != nil {
		return errors.Wrap(err, "Install")
	}
	if !installSucceeded(out) {
		return errors.Errorf("Install: %s", out)
	}
	return nil
}

// Uninstall removes an installed package by name.
func (d *Device) Uninstall(pkg string) error {
	out, err := d.RunCommand("pm", "uninstall", pkg)
	if err != nil {
		return errors.Wrap(err, "Uninstall")
	}
	if !installSucceeded(out) {
		return errors.Errorf("Uninstall: %s", out)
	}
	return nil
}

func installSucceeded(out string) bool {
	return strings.Contains(out, "Success")
}
