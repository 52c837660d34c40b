package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

/*
The sync sub-protocol runs inside the payload bytes of one logical stream
opened to "sync:". It is framed independently of the outer messages: an
8-byte header of a 4-byte ASCII id and a little-endian length, followed by
length bytes.

Defined at
https://android.googlesource.com/platform/packages/modules/adb/+/master/SYNC.TXT.
*/

// Sync request and response ids.
const (
	SyncList = "LIST"
	SyncRecv = "RECV"
	SyncSend = "SEND"
	SyncStat = "STAT"
	SyncDent = "DENT"
	SyncData = "DATA"
	SyncDone = "DONE"
	SyncOkay = "OKAY"
	SyncFail = "FAIL"
	SyncQuit = "QUIT"
)

// SyncMaxChunkSize is the largest DATA chunk adbd accepts.
const SyncMaxChunkSize = 64 * 1024

// WriteSyncHeader writes an 8-byte sync header.
func WriteSyncHeader(w io.Writer, id string, length uint32) error {
	if len(id) != 4 {
		return errors.Errorf("malformed sync id: %q", id)
	}
	var buf [8]byte
	copy(buf[:4], id)
	binary.LittleEndian.PutUint32(buf[4:], length)
	_, err := w.Write(buf[:])
	return errors.Wrapf(err, "error writing sync %s header", id)
}

// WriteSyncRequest writes a header carrying arg as its payload, e.g.
// SEND with "<path>,<mode>".
func WriteSyncRequest(w io.Writer, id, arg string) error {
	if err := WriteSyncHeader(w, id, uint32(len(arg))); err != nil {
		return err
	}
	_, err := io.WriteString(w, arg)
	return errors.Wrapf(err, "error writing sync %s request", id)
}

// ReadSyncHeader reads the next 8-byte sync header and returns the id and
// the length field. For DONE the length field is the file mtime, not a
// byte count.
func ReadSyncHeader(r io.Reader) (string, uint32, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", 0, errors.Wrap(err, "error reading sync header")
	}
	return string(buf[:4]), binary.LittleEndian.Uint32(buf[4:]), nil
}

// ReadSyncString reads a length-prefixed string, as carried by FAIL and the
// name field of DENT.
func ReadSyncString(r io.Reader, length uint32) (string, error) {
	if length > SyncMaxChunkSize {
		return "", errors.Wrapf(ErrOversizedPayload, "sync string of %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "error reading sync string")
	}
	return string(buf), nil
}
