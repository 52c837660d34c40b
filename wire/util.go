package wire

import "os"

// tetraToUint32 converts four bytes to an uint32 in little endian form.
func tetraToUint32(t [4]byte) uint32 {
	var i uint32
	for j := range t {
		i |= uint32(t[j]) << (uint(j) * 8)
	}
	return i
}

func uint32ToTetra(u uint32) [4]byte {
	var t [4]byte
	for i := range t {
		t[i] = byte(u >> (uint(i) * 8))
	}
	return t
}

// ADB file modes seem to only be 16 bits.
// Values are taken from http://linux.die.net/include/bits/stat.h.
// These numbers are octal.
const (
	ModeDir        = 0040000
	ModeSymlink    = 0120000
	ModeSocket     = 0140000
	ModeFifo       = 0010000
	ModeCharDevice = 0020000
)

// ADBFileMode parses the mode returned by sync STAT and DENT responses.
func ADBFileMode(mode uint32) os.FileMode {
	// The ADB filemode uses the permission bits defined in Go's os package, but
	// we need to parse the other bits manually.
	var filemode os.FileMode
	switch {
	case mode&ModeSymlink == ModeSymlink:
		filemode = os.ModeSymlink
	case mode&ModeDir == ModeDir:
		filemode = os.ModeDir
	case mode&ModeSocket == ModeSocket:
		filemode = os.ModeSocket
	case mode&ModeFifo == ModeFifo:
		filemode = os.ModeNamedPipe
	case mode&ModeCharDevice == ModeCharDevice:
		filemode = os.ModeCharDevice
	}
	filemode |= os.FileMode(mode).Perm()
	return filemode
}
