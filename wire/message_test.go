package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []Message{
		{Command: CmdConnect, Arg0: ProtocolVersion, Arg1: MaxPayloadDefault, Payload: []byte("host::adb-client\x00")},
		{Command: CmdAuth, Arg0: AuthToken, Payload: bytes.Repeat([]byte{0xAB}, TokenSize)},
		{Command: CmdOpen, Arg0: 1, Payload: []byte("shell:ls\x00")},
		{Command: CmdOkay, Arg0: 1, Arg1: 7},
		{Command: CmdWrite, Arg0: 7, Arg1: 1, Payload: []byte{0, 1, 2, 0xFF}},
		{Command: CmdClose, Arg0: 1, Arg1: 7},
		{Command: CmdStartTLS, Arg0: TLSVersion},
	}
	for _, want := range tests {
		t.Run(want.Command.String(), func(t *testing.T) {
			got, err := Decode(want.Encode(), MaxPayloadDefault)
			if err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("want %+v, got %+v", want, got)
			}

			// And through the stream form.
			buf := &bytes.Buffer{}
			if err := WriteMessage(buf, want); err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			got, err = ReadMessage(buf, MaxPayloadDefault, true)
			if err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("want %+v, got %+v", want, got)
			}
		})
	}
}

func TestDecodeRejectsCorruptPayload(t *testing.T) {
	m := Message{Command: CmdWrite, Arg0: 7, Arg1: 1, Payload: []byte("some payload bytes")}
	enc := m.Encode()

	// Flipping any payload byte must break the checksum.
	for i := HeaderSize; i < len(enc); i++ {
		corrupted := append([]byte(nil), enc...)
		corrupted[i] ^= 0x01
		_, err := Decode(corrupted, MaxPayloadDefault)
		var sumErr *ChecksumError
		if !errors.As(err, &sumErr) {
			t.Fatalf("byte %d: want ChecksumError, got %v", i, err)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	enc := Message{Command: CmdOkay, Arg0: 1, Arg1: 7}.Encode()
	enc[20] ^= 0x01

	_, err := Decode(enc, MaxPayloadDefault)
	var magicErr *MagicError
	assert.True(t, errors.As(err, &magicErr), "want MagicError, got %v", err)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	m := Message{Command: CmdWrite, Payload: make([]byte, 512)}
	_, err := Decode(m.Encode(), 256)
	assert.Equal(t, ErrOversizedPayload, errors.Cause(err))
}

func TestReadMessageSkipsChecksumWhenAsked(t *testing.T) {
	enc := Message{Command: CmdWrite, Arg0: 7, Payload: []byte("tls frame")}.Encode()
	enc[HeaderSize] ^= 0x01 // would fail the legacy checksum

	_, err := ReadMessage(bytes.NewReader(enc), MaxPayloadDefault, false)
	assert.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(enc), MaxPayloadDefault, true)
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		inp  []byte
		want uint32
	}{{
		nil, 0,
	}, {
		[]byte{1, 2, 3}, 6,
	}, {
		[]byte{0xFF, 0xFF}, 510,
	}, {
		bytes.Repeat([]byte{0xFF}, 1<<16), 255 << 16,
	}}
	for _, test := range tests {
		if got := Checksum(test.inp); got != test.want {
			t.Errorf("for %d bytes, want %d, got %d", len(test.inp), test.want, got)
		}
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		inp  Command
		want string
	}{
		{CmdConnect, "CNXN"},
		{CmdAuth, "AUTH"},
		{CmdOpen, "OPEN"},
		{CmdOkay, "OKAY"},
		{CmdClose, "CLSE"},
		{CmdWrite, "WRTE"},
		{CmdStartTLS, "STLS"},
		{Command(0xdeadbeef), "Command(0xdeadbeef)"},
	}
	for _, test := range tests {
		if got := test.inp.String(); got != test.want {
			t.Errorf("want %s, got %s", test.want, got)
		}
	}
}
