package adb

import (
	"io"

	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

// syncFileReader wraps a sync stream that has requested to receive a file.
type syncFileReader struct {
	// The underlying sync stream.
	scanner io.ReadWriteCloser

	// Reader for the current chunk only.
	chunkReader io.Reader

	// False until the DONE chunk is encountered.
	eof bool
}

var _ io.ReadCloser = &syncFileReader{}

func newSyncFileReader(s io.ReadWriteCloser) (r io.ReadCloser, err error) {
	r = &syncFileReader{
		scanner: s,
	}

	// Read the header for the first chunk to consume any errors.
	if _, err = r.Read([]byte{}); err != nil {
		if err == io.EOF {
			// EOF means the file was empty. This still means the file was opened successfully,
			// and the next time the caller does a read they'll get the EOF and handle it themselves.
			err = nil
		} else {
			r.Close()
			return nil, err
		}
	}
	return
}

func (r *syncFileReader) Read(buf []byte) (n int, err error) {
	if r.eof {
		return 0, io.EOF
	}

	if r.chunkReader == nil {
		chunkReader, err := readNextChunk(r.scanner)
		if err != nil {
			if err == io.EOF {
				// We just read the last chunk, set our flag before passing it up.
				r.eof = true
			}
			return 0, err
		}
		r.chunkReader = chunkReader
	}

	if len(buf) == 0 {
		// Read can be called with an empty buffer to read the next chunk and check for errors.
		return 0, nil
	}

	n, err = r.chunkReader.Read(buf)
	if err == io.EOF {
		// End of current chunk, don't return an error, the next chunk will be
		// read on the next call to this method.
		r.chunkReader = nil
		return n, nil
	}

	return n, err
}

func (r *syncFileReader) Close() error {
	quitSync(r.scanner)
	return r.scanner.Close()
}

// readNextChunk creates an io.LimitedReader for the next DATA chunk,
// and returns io.EOF if the last chunk has been read.
func readNextChunk(r io.Reader) (io.Reader, error) {
	id, length, err := wire.ReadSyncHeader(r)
	if err != nil {
		return nil, err
	}

	switch id {
	case wire.SyncData:
		return io.LimitReader(r, int64(length)), nil
	case wire.SyncDone:
		return nil, io.EOF
	case wire.SyncFail:
		return nil, readSyncFail(r, length)
	default:
		return nil, errors.Errorf("expected chunk id %q or %q, but got %q",
			wire.SyncData, wire.SyncDone, id)
	}
}
