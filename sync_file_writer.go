package adb

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

// syncFileWriter wraps a sync stream that has requested to send a file.
type syncFileWriter struct {
	// The underlying sync stream.
	stream io.ReadWriteCloser

	// The modification time to write in the DONE trailer.
	// If zero, use the time Close is called.
	modTime time.Time

	// Largest DATA chunk to emit. Chunk boundaries don't affect
	// correctness, only throughput versus peak memory.
	chunkSize int
}

var _ io.WriteCloser = &syncFileWriter{}

// Write sends buf as one or more DATA chunks.
func (w *syncFileWriter) Write(buf []byte) (n int, err error) {
	written := 0

	for len(buf) > 0 {
		// Writes smaller than the chunk size map one-to-one to chunks.
		partialBuf := buf
		if len(partialBuf) > w.chunkSize {
			partialBuf = partialBuf[:w.chunkSize]
		}

		if err := wire.WriteSyncHeader(w.stream, wire.SyncData, uint32(len(partialBuf))); err != nil {
			return written, err
		}
		n, err := w.stream.Write(partialBuf)
		if err != nil {
			return written + n, err
		}

		written += n
		buf = buf[n:]
	}

	return written, nil
}

// Close sends the DONE trailer with the modification time and waits for the
// device to confirm the whole transfer with OKAY.
func (w *syncFileWriter) Close() error {
	if w.modTime.IsZero() {
		w.modTime = time.Now()
	}

	var buf [8]byte
	copy(buf[:4], wire.SyncDone)
	binary.LittleEndian.PutUint32(buf[4:], uint32(w.modTime.Unix()))
	if _, err := w.stream.Write(buf[:]); err != nil {
		return errors.Wrap(err, "error writing DONE trailer")
	}

	id, arg, err := wire.ReadSyncHeader(w.stream)
	if err != nil {
		return err
	}
	switch id {
	case wire.SyncOkay:
	case wire.SyncFail:
		return readSyncFail(w.stream, arg)
	default:
		return errors.Errorf("expected %q after DONE, but got %q", wire.SyncOkay, id)
	}

	quitSync(w.stream)
	return errors.WithMessage(w.stream.Close(), "error closing FileWriter")
}
