// Package pairing implements the TLS-based trust-establishment flow for
// wireless debugging. It is distinct from the RSA challenge-response auth
// used on already-connected transports: a successful pairing leaves the
// host certificate pinned on the device, after which plain TLS connections
// to the device's connect port authenticate silently.
package pairing

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Packets are framed with a fixed 6-byte header: version, type, and a
// big-endian payload length. The legacy checksum/magic of the outer adb
// protocol has no counterpart here; the channel is TLS from the first byte.
const (
	packetVersion = 1

	typePeerInfo     = 0
	typeConfirmation = 1

	headerSize = 6
	// maxPayloadSize bounds what we accept from the peer, sized for a
	// certificate plus slack.
	maxPayloadSize = 16 * 1024
)

func writePacket(w io.Writer, typ byte, payload []byte) error {
	var hdr [headerSize]byte
	hdr[0] = packetVersion
	hdr[1] = typ
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "error writing pairing packet header")
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "error writing pairing packet payload")
}

func readPacket(r io.Reader, wantType byte) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "error reading pairing packet header")
	}
	if hdr[0] != packetVersion {
		return nil, errors.Errorf("unsupported pairing packet version %d", hdr[0])
	}
	if hdr[1] != wantType {
		return nil, errors.Errorf("unexpected pairing packet type %d, want %d", hdr[1], wantType)
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	if length > maxPayloadSize {
		return nil, errors.Errorf("pairing packet of %d bytes exceeds maximum", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "error reading pairing packet payload")
	}
	return payload, nil
}

// PeerInfo is the identity exchanged during pairing. The field numbers are
// part of the wire contract with the device side and must not change.
type PeerInfo struct {
	// Name identifies the host to the user in the device UI.
	Name string
	// Certificate is the DER encoding of the self-signed certificate the
	// device should pin.
	Certificate []byte
	// GUID distinguishes hosts with the same name.
	GUID []byte
}

// marshal encodes the peer info with protobuf wire framing:
// name = field 1, certificate = field 2, guid = field 3, all length-delimited.
func (p PeerInfo) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, p.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Certificate)
	if len(p.GUID) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p.GUID)
	}
	return b
}

func parsePeerInfo(b []byte) (PeerInfo, error) {
	var p PeerInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return PeerInfo{}, errors.Wrap(protowire.ParseError(n), "error parsing peer info tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return PeerInfo{}, errors.Errorf("peer info field %d has unexpected wire type %d", num, typ)
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return PeerInfo{}, errors.Wrap(protowire.ParseError(n), "error parsing peer info field")
		}
		b = b[n:]

		switch num {
		case 1:
			p.Name = string(val)
		case 2:
			p.Certificate = append([]byte(nil), val...)
		case 3:
			p.GUID = append([]byte(nil), val...)
		default:
			// Unknown fields from newer device sides are skipped.
		}
	}
	if p.Name == "" || len(p.Certificate) == 0 {
		return PeerInfo{}, errors.New("peer info missing name or certificate")
	}
	return p, nil
}
