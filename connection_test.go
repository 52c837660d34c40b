package adb

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EFForg/adb-client/wire"
)

var (
	testKeyOnce sync.Once
	testKeyVal  *DeviceKey
)

// testKey returns a process-wide RSA identity, so only one test pays the
// generation cost.
func testKey(t *testing.T) *DeviceKey {
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return
		}
		testKeyVal = &DeviceKey{key: k, Comment: "test@host"}
	})
	if testKeyVal == nil {
		t.Fatal("could not generate test key")
	}
	return testKeyVal
}

func TestConnectWithoutAuth(t *testing.T) {
	conn := newTestConnection(t, 4096, nil)

	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, uint32(4096), conn.MaxPayload())
	info := conn.Info()
	assert.Equal(t, "device", info.State)
	assert.Equal(t, "sdk_phone", info.Product)
	assert.Equal(t, "Android SDK", info.Model)
	assert.True(t, info.SupportsFeature("shell_v2"))
	assert.False(t, info.SupportsFeature("abb_exec"))
}

func TestConnectNegotiatesMaxPayload(t *testing.T) {
	// The device advertises more than we do, so our own limit wins.
	conn := newTestConnection(t, wire.MaxPayloadLimit, nil)
	assert.Equal(t, uint32(wire.MaxPayloadDefault), conn.MaxPayload())
}

func TestConnectAnswersChallenge(t *testing.T) {
	key := testKey(t)
	d, transport := newFakeDevice(t)
	token := []byte("0123456789abcdefghij")

	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		msg := d.expect(wire.CmdConnect)
		assert.Equal(d.t, uint32(wire.ProtocolVersion), msg.Arg0)
		assert.Equal(d.t, []byte("host::adb-client\x00"), msg.Payload)

		d.send(wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthToken, Payload: token})
		sig := d.expect(wire.CmdAuth)
		assert.Equal(d.t, uint32(wire.AuthSignature), sig.Arg0)
		assert.NoError(d.t, rsa.VerifyPKCS1v15(&key.key.PublicKey, crypto.SHA1, token, sig.Payload))

		d.sendConnect(testBanner, 4096)
	}()

	conn, err := Connect(transport, key, Config{IOTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()
	<-scriptDone

	assert.Equal(t, StateConnected, conn.State())
}

// A device that never accepts the signature gets the public key once; a
// further challenge after that means the operator declined.
func TestConnectSendsPublicKeyThenGivesUp(t *testing.T) {
	key := testKey(t)
	d, transport := newFakeDevice(t)
	token := []byte("0123456789abcdefghij")
	challenge := wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthToken, Payload: token}

	blob, err := key.PublicKeyBlob()
	require.NoError(t, err)

	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		d.expect(wire.CmdConnect)

		for i := 0; i < 2; i++ {
			d.send(challenge)
			sig := d.expect(wire.CmdAuth)
			assert.Equal(d.t, uint32(wire.AuthSignature), sig.Arg0)
		}

		d.send(challenge)
		pub := d.expect(wire.CmdAuth)
		assert.Equal(d.t, uint32(wire.AuthRSAPublicKey), pub.Arg0)
		assert.Equal(d.t, append(blob, 0), pub.Payload)

		d.send(challenge)
	}()

	_, err = Connect(transport, key, Config{IOTimeout: 2 * time.Second, AuthTries: 2})
	<-scriptDone
	assert.Equal(t, ErrAuthRejected, errors.Cause(err))
}

func TestConnectWithoutKeyFailsOnChallenge(t *testing.T) {
	d, transport := newFakeDevice(t)
	go func() {
		d.expect(wire.CmdConnect)
		d.send(wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthToken, Payload: make([]byte, wire.TokenSize)})
	}()

	_, err := Connect(transport, nil, Config{IOTimeout: 2 * time.Second})
	assert.Equal(t, ErrAuthRejected, errors.Cause(err))
}

func TestConnectRejectsUnexpectedCommand(t *testing.T) {
	d, transport := newFakeDevice(t)
	go func() {
		d.expect(wire.CmdConnect)
		d.send(wire.Message{Command: wire.CmdWrite, Payload: []byte("x")})
	}()

	_, err := Connect(transport, nil, Config{IOTimeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected WRTE")
}

// An established connection must tolerate inbound silence longer than the
// I/O timeout; only the handshake bounds its reads on the peer.
func TestIdleConnectionSurvivesReadTimeout(t *testing.T) {
	host, dev := net.Pipe()
	restore := dial
	dial = func(string) (net.Conn, error) { return host, nil }
	defer func() { dial = restore }()

	transport, err := DialTCP("10.0.0.2:5555", 200*time.Millisecond)
	require.NoError(t, err)

	d := &fakeDevice{t: t, conn: dev}
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		d.acceptConnect(testBanner, 4096)
		open := d.expect(wire.CmdOpen)
		d.send(wire.Message{Command: wire.CmdOkay, Arg0: 7, Arg1: open.Arg0})
		// Stay silent well past the I/O timeout before producing output.
		time.Sleep(600 * time.Millisecond)
		d.send(wire.Message{Command: wire.CmdWrite, Arg0: 7, Arg1: open.Arg0, Payload: []byte("late output\n")})
		d.expect(wire.CmdOkay)
	}()

	conn, err := Connect(transport, nil, Config{IOTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	s, err := conn.OpenStream("shell:sleep 1")
	require.NoError(t, err)
	b, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("late output\n"), b)
	<-scriptDone
}

// An STLS request wraps the channel in TLS; frames after the upgrade carry
// a zeroed checksum field and must still be accepted.
func TestConnectStartTLS(t *testing.T) {
	key := testKey(t)
	host, dev := net.Pipe()
	restore := dial
	dial = func(string) (net.Conn, error) { return host, nil }
	defer func() { dial = restore }()

	transport, err := DialTCP("10.0.0.2:5555", 2*time.Second)
	require.NoError(t, err)
	cert, err := key.Certificate()
	require.NoError(t, err)

	d := &fakeDevice{t: t, conn: dev}
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		d.expect(wire.CmdConnect)
		d.send(wire.Message{Command: wire.CmdStartTLS, Arg0: wire.TLSVersion})
		stls := d.expect(wire.CmdStartTLS)
		assert.Equal(d.t, uint32(wire.TLSVersion), stls.Arg0)

		tlsConn := tls.Server(d.conn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		})
		if err := tlsConn.Handshake(); err != nil {
			d.t.Errorf("fake device: TLS handshake: %v", err)
			return
		}
		d.conn = tlsConn

		d.sendZeroChecksum(wire.Message{
			Command: wire.CmdConnect,
			Arg0:    wire.ProtocolVersion,
			Arg1:    4096,
			Payload: []byte(testBanner + "\x00"),
		})

		open := d.expect(wire.CmdOpen)
		d.send(wire.Message{Command: wire.CmdOkay, Arg0: 7, Arg1: open.Arg0})
		d.sendZeroChecksum(wire.Message{Command: wire.CmdWrite, Arg0: 7, Arg1: open.Arg0, Payload: []byte("over tls\n")})
		d.expect(wire.CmdOkay)
	}()

	conn, err := Connect(transport, key, Config{IOTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, uint32(4096), conn.MaxPayload())

	s, err := conn.OpenStream("shell:echo over tls")
	require.NoError(t, err)
	b, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("over tls\n"), b)
	<-scriptDone
}

// A CONNECT advertising maxdata=0 could never carry a stream; it is a
// protocol error, not a working connection.
func TestConnectRejectsZeroMaxPayload(t *testing.T) {
	d, transport := newFakeDevice(t)
	go func() {
		d.expect(wire.CmdConnect)
		d.sendConnect(testBanner, 0)
	}()

	_, err := Connect(transport, nil, Config{IOTimeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero max payload")
}

// A connection dying while an OPEN is pending reports the dead connection,
// not a per-stream refusal.
func TestOpenStreamOnDyingConnection(t *testing.T) {
	conn := newTestConnection(t, 4096, func(d *fakeDevice) {
		d.expect(wire.CmdOpen)
		d.conn.Close()
	})

	_, err := conn.OpenStream("shell:true")
	assert.Equal(t, ErrConnectionClosed, errors.Cause(err))
}

// Closing the connection must wake a blocked Recv on every stream.
func TestCloseWakesBlockedStreams(t *testing.T) {
	conn := newTestConnection(t, 4096, func(d *fakeDevice) {
		open := d.expect(wire.CmdOpen)
		d.send(wire.Message{Command: wire.CmdOkay, Arg0: 7, Arg1: open.Arg0})
	})

	s, err := conn.OpenStream("shell:sleep 100")
	require.NoError(t, err)

	recvErr := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		recvErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	conn.Close()

	select {
	case err := <-recvErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
}
