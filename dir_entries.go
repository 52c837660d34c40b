package adb

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

// DirEntry holds information about a directory entry on a device.
type DirEntry struct {
	Name       string
	Mode       os.FileMode
	Size       uint32
	ModifiedAt time.Time
}

// DirEntries iterates over directory entries.
type DirEntries struct {
	scanner io.ReadWriteCloser

	currentEntry DirEntry
	err          error
}

// ReadAll reads all the remaining directory entries into a slice,
// closes self, and returns any error.
// If err is non-nil, result will contain any entries read until the error occurred.
func (entries *DirEntries) ReadAll() (result []DirEntry, err error) {
	defer entries.Close()

	for entries.Next() {
		result = append(result, entries.Entry())
	}
	err = entries.Err()

	return
}

func (entries *DirEntries) Next() bool {
	if entries.err != nil {
		return false
	}

	entry, done, err := readNextDirListEntry(entries.scanner)
	if err != nil {
		entries.err = err
		entries.Close()
		return false
	}

	entries.currentEntry = entry
	if done {
		entries.Close()
		return false
	}

	return true
}

func (entries *DirEntries) Entry() DirEntry {
	return entries.currentEntry
}

func (entries *DirEntries) Err() error {
	return entries.err
}

// Close closes the underlying sync stream.
// Next will call Close before returning false.
func (entries *DirEntries) Close() error {
	quitSync(entries.scanner)
	return entries.scanner.Close()
}

// readNextDirListEntry parses one DENT, or reports done on the trailing
// DONE. Both are dent-shaped on the wire: id, mode, size, mtime, name
// length, then the name bytes (absent for DONE).
func readNextDirListEntry(r io.Reader) (DirEntry, bool, error) {
	id, mode, err := wire.ReadSyncHeader(r)
	if err != nil {
		return DirEntry{}, false, err
	}

	switch id {
	case wire.SyncDone:
		// Consume the zeroed remainder of the dent.
		var rest [12]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return DirEntry{}, false, errors.Wrap(err, "error reading dir entries: short DONE")
		}
		return DirEntry{}, true, nil
	case wire.SyncFail:
		return DirEntry{}, false, readSyncFail(r, mode)
	case wire.SyncDent:
	default:
		return DirEntry{}, false, errors.Errorf("error reading dir entries: expected dir entry ID %q, but got %q", wire.SyncDent, id)
	}

	var rest [12]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return DirEntry{}, false, errors.Wrap(err, "error reading dir entries: short entry")
	}
	var (
		size    = binary.LittleEndian.Uint32(rest[0:4])
		mtime   = time.Unix(int64(binary.LittleEndian.Uint32(rest[4:8])), 0)
		nameLen = binary.LittleEndian.Uint32(rest[8:12])
	)
	name, err := wire.ReadSyncString(r, nameLen)
	if err != nil {
		return DirEntry{}, false, errors.Wrap(err, "error reading dir entries: error reading file name")
	}

	return DirEntry{
		Name:       name,
		Mode:       wire.ADBFileMode(mode),
		Size:       size,
		ModifiedAt: mtime,
	}, false, nil
}
