package adb

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EFForg/adb-client/wire"
)

// pipeTransport adapts one end of a net.Pipe to the Transport interface,
// standing in for a TCP socket or USB endpoint pair in tests.
type pipeTransport struct{ conn net.Conn }

func (p pipeTransport) ReadExact(buf []byte) error {
	_, err := io.ReadFull(p.conn, buf)
	return err
}

func (p pipeTransport) WriteExact(buf []byte) error {
	_, err := p.conn.Write(buf)
	return err
}

func (p pipeTransport) Close() error { return p.conn.Close() }

// fakeDevice scripts the device side of a connection. Its methods run on the
// script goroutine, so failures are reported with Errorf, never Fatal.
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
}

func newFakeDevice(t *testing.T) (*fakeDevice, Transport) {
	host, dev := net.Pipe()
	return &fakeDevice{t: t, conn: dev}, pipeTransport{conn: host}
}

func (d *fakeDevice) send(msg wire.Message) {
	if err := wire.WriteMessage(d.conn, msg); err != nil {
		d.t.Errorf("fake device: write %v: %v", msg.Command, err)
	}
}

// sendZeroChecksum sends msg with the checksum header field zeroed, the way
// adbd frames messages once TLS carries the session.
func (d *fakeDevice) sendZeroChecksum(msg wire.Message) {
	raw := msg.Encode()
	for i := 16; i < 20; i++ {
		raw[i] = 0
	}
	if _, err := d.conn.Write(raw); err != nil {
		d.t.Errorf("fake device: write %v: %v", msg.Command, err)
	}
}

// expect reads the next message and checks its command.
func (d *fakeDevice) expect(cmd wire.Command) wire.Message {
	msg, err := wire.ReadMessage(d.conn, wire.MaxPayloadLimit, true)
	if err != nil {
		d.t.Errorf("fake device: expected %v, read failed: %v", cmd, err)
		return wire.Message{}
	}
	if msg.Command != cmd {
		d.t.Errorf("fake device: expected %v, got %v", cmd, msg.Command)
	}
	return msg
}

func (d *fakeDevice) sendConnect(banner string, maxPayload uint32) {
	d.send(wire.Message{
		Command: wire.CmdConnect,
		Arg0:    wire.ProtocolVersion,
		Arg1:    maxPayload,
		Payload: []byte(banner + "\x00"),
	})
}

// acceptConnect consumes the host's CONNECT and answers with the device's.
func (d *fakeDevice) acceptConnect(banner string, maxPayload uint32) {
	d.expect(wire.CmdConnect)
	d.sendConnect(banner, maxPayload)
}

const testBanner = "device::ro.product.name=sdk_phone;ro.product.model=Android SDK;ro.product.device=generic;features=shell_v2,stat_v2;"

// newTestConnection establishes an unauthenticated connection against a
// scripted device. script runs on its own goroutine after the handshake and
// must consume every message the test makes the host send; the pipe is
// unbuffered, so an unread message blocks the host side.
func newTestConnection(t *testing.T, maxPayload uint32, script func(d *fakeDevice)) *Connection {
	d, transport := newFakeDevice(t)
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		d.acceptConnect(testBanner, maxPayload)
		if script != nil {
			script(d)
		}
	}()

	conn, err := Connect(transport, nil, Config{IOTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		select {
		case <-scriptDone:
		case <-time.After(5 * time.Second):
			t.Error("device script did not finish")
		}
		conn.Close()
		d.conn.Close()
	})
	return conn
}
