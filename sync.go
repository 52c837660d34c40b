package adb

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

var zeroTime = time.Unix(0, 0).UTC()

// readStatBody reads the mode/size/mtime triple that follows a STAT id.
func readStatBody(r io.Reader, mode uint32) (DirEntry, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return DirEntry{}, errors.Wrap(err, "error reading stat response")
	}
	var (
		size  = binary.LittleEndian.Uint32(buf[0:4])
		mtime = time.Unix(int64(binary.LittleEndian.Uint32(buf[4:8])), 0)
	)

	// adb doesn't indicate when a file doesn't exist, but will return all zeros.
	// Theoretically this could be an actual file, but that's very unlikely.
	if mode == 0 && size == 0 && mtime.Equal(zeroTime) {
		return DirEntry{}, ErrFileNotExist
	}
	return DirEntry{
		Mode:       wire.ADBFileMode(mode),
		Size:       size,
		ModifiedAt: mtime,
	}, nil
}

func stat(rw io.ReadWriter, path string) (DirEntry, error) {
	if err := wire.WriteSyncRequest(rw, wire.SyncStat, path); err != nil {
		return DirEntry{}, err
	}
	id, arg, err := wire.ReadSyncHeader(rw)
	if err != nil {
		return DirEntry{}, err
	}
	switch id {
	case wire.SyncStat:
		return readStatBody(rw, arg)
	case wire.SyncFail:
		return DirEntry{}, readSyncFail(rw, arg)
	default:
		return DirEntry{}, errors.Errorf("expected stat ID %q, but got %q", wire.SyncStat, id)
	}
}

// readSyncFail turns a FAIL response into an error, mapping the well-known
// missing-file message onto ErrFileNotExist.
func readSyncFail(r io.Reader, length uint32) error {
	reason, err := wire.ReadSyncString(r, length)
	if err != nil {
		return errors.Wrap(err, "device reported failure, but couldn't read the reason")
	}
	if reason == "No such file or directory" {
		return errors.Wrap(ErrFileNotExist, reason)
	}
	return &SyncRemoteError{Reason: reason}
}

func listDirEntries(rw io.ReadWriteCloser, path string) (*DirEntries, error) {
	if err := wire.WriteSyncRequest(rw, wire.SyncList, path); err != nil {
		return nil, err
	}
	return &DirEntries{scanner: rw}, nil
}

func receiveFile(rw io.ReadWriteCloser, path string) (io.ReadCloser, error) {
	if err := wire.WriteSyncRequest(rw, wire.SyncRecv, path); err != nil {
		return nil, err
	}
	return newSyncFileReader(rw)
}

// sendFile returns a WriteCloser that will write to the file at path on the
// device. The file is created with permissions specified by mode. Its
// modification time is set to mtime when the writer is closed; the zero
// value means the time Close is called.
func sendFile(rw io.ReadWriteCloser, path string, mode os.FileMode, mtime time.Time, chunkSize int) (io.WriteCloser, error) {
	pathAndMode := path + "," + strconv.Itoa(int(mode.Perm()))
	if err := wire.WriteSyncRequest(rw, wire.SyncSend, pathAndMode); err != nil {
		return nil, err
	}
	return &syncFileWriter{stream: rw, modTime: mtime, chunkSize: chunkSize}, nil
}

// quitSync tells the device the sync session is over. Best effort: the
// stream is being closed either way.
func quitSync(w io.Writer) {
	wire.WriteSyncHeader(w, wire.SyncQuit, 0)
}
