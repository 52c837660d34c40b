// Package wire implements the binary message format spoken directly with an
// adbd instance, over USB or TCP.
//
// The format is defined at
// https://android.googlesource.com/platform/packages/modules/adb/+/master/protocol.txt.
// Every message is a 24-byte little-endian header optionally followed by a
// payload. The header carries a byte-sum checksum of the payload and the
// command value XORed with 0xFFFFFFFF as a framing sanity check.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Command identifies a message type. The value is the little-endian
// interpretation of the four ASCII command bytes.
type Command uint32

const (
	CmdConnect  Command = 0x4e584e43 // "CNXN"
	CmdAuth     Command = 0x48545541 // "AUTH"
	CmdOpen     Command = 0x4e45504f // "OPEN"
	CmdOkay     Command = 0x59414b4f // "OKAY"
	CmdClose    Command = 0x45534c43 // "CLSE"
	CmdWrite    Command = 0x45545257 // "WRTE"
	CmdStartTLS Command = 0x534c5453 // "STLS"
)

func (c Command) String() string {
	switch c {
	case CmdConnect, CmdAuth, CmdOpen, CmdOkay, CmdClose, CmdWrite, CmdStartTLS:
		t := uint32ToTetra(uint32(c))
		return string(t[:])
	default:
		return fmt.Sprintf("Command(%#08x)", uint32(c))
	}
}

const (
	// HeaderSize is the fixed size of a message header.
	HeaderSize = 24

	// ProtocolVersion is sent as arg0 of CONNECT.
	ProtocolVersion = 0x01000000
	// TLSVersion is sent as arg0 of STLS.
	TLSVersion = 0x01000000

	// MaxPayloadDefault is the payload size advertised in our CONNECT.
	// The negotiated value is the minimum of both sides.
	MaxPayloadDefault = 256 * 1024
	// MaxPayloadLimit is a hard ceiling on payload sizes accepted from the
	// peer, matching MAX_PAYLOAD of recent adbd versions.
	MaxPayloadLimit = 1024 * 1024
)

// AUTH message arg0 values.
const (
	AuthToken        = 1
	AuthSignature    = 2
	AuthRSAPublicKey = 3
)

// TokenSize is the length of the AUTH challenge sent by the device.
const TokenSize = 20

// Sentinel and typed errors returned by the codec. Any of them is fatal for
// the connection the message arrived on.
var ErrOversizedPayload = errors.New("payload exceeds maximum length")

// ChecksumError reports a payload whose byte sum doesn't match the header.
type ChecksumError struct {
	Want, Got uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("payload checksum mismatch: header says %#x, payload sums to %#x", e.Want, e.Got)
}

// MagicError reports a header whose magic field is not command XOR 0xFFFFFFFF.
type MagicError struct {
	Command, Magic uint32
}

func (e *MagicError) Error() string {
	return fmt.Sprintf("bad magic %#08x for command %#08x", e.Magic, e.Command)
}

// Message is one protocol message. The meaning of Arg0 and Arg1 depends on
// Command.
type Message struct {
	Command    Command
	Arg0, Arg1 uint32
	Payload    []byte
}

// Checksum is the legacy payload checksum: the sum of all payload bytes,
// truncated to 32 bits.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode renders the full message, header followed by payload.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(buf[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buf[16:20], Checksum(m.Payload))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.Command)^0xFFFFFFFF)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// decodeHeader validates magic and payload length and returns the message
// (payload not yet read), the payload length, and the expected checksum.
func decodeHeader(hdr []byte, maxPayload uint32) (Message, uint32, uint32, error) {
	command := binary.LittleEndian.Uint32(hdr[0:4])
	magic := binary.LittleEndian.Uint32(hdr[20:24])
	if command^0xFFFFFFFF != magic {
		return Message{}, 0, 0, &MagicError{Command: command, Magic: magic}
	}
	length := binary.LittleEndian.Uint32(hdr[12:16])
	if length > maxPayload {
		return Message{}, 0, 0, errors.Wrapf(ErrOversizedPayload, "%d > %d", length, maxPayload)
	}
	m := Message{
		Command: Command(command),
		Arg0:    binary.LittleEndian.Uint32(hdr[4:8]),
		Arg1:    binary.LittleEndian.Uint32(hdr[8:12]),
	}
	return m, length, binary.LittleEndian.Uint32(hdr[16:20]), nil
}

// Decode parses one complete message from buf. It is the inverse of Encode.
func Decode(buf []byte, maxPayload uint32) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, errors.Errorf("short header: %d bytes", len(buf))
	}
	m, length, sum, err := decodeHeader(buf[:HeaderSize], maxPayload)
	if err != nil {
		return Message{}, err
	}
	if uint32(len(buf)-HeaderSize) != length {
		return Message{}, errors.Errorf("header says %d payload bytes, have %d", length, len(buf)-HeaderSize)
	}
	if length > 0 {
		m.Payload = buf[HeaderSize:]
	}
	if got := Checksum(m.Payload); got != sum {
		return Message{}, &ChecksumError{Want: sum, Got: got}
	}
	return m, nil
}

// ReadMessage reads one message from r. The payload length is validated
// against maxPayload before it is read. When verifySum is false the legacy
// checksum is ignored; TLS-wrapped transports already guarantee integrity
// and newer adbd versions stop filling the field in.
func ReadMessage(r io.Reader, maxPayload uint32, verifySum bool) (Message, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message{}, errors.Wrap(err, "error reading message header")
	}
	m, length, sum, err := decodeHeader(hdr, maxPayload)
	if err != nil {
		return Message{}, err
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, errors.Wrap(err, "error reading message payload")
		}
	}
	if verifySum {
		if got := Checksum(m.Payload); got != sum {
			return Message{}, &ChecksumError{Want: sum, Got: got}
		}
	}
	return m, nil
}

// WriteMessage writes one encoded message to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return errors.Wrapf(err, "error writing %v message", m.Command)
}
