package adb

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultPort is the port adbd listens on for direct TCP connections.
const DefaultPort = 5555

// Transport is a raw byte channel to a device. Reads and writes are exact:
// a call either transfers the whole buffer or fails, and a failure is fatal
// for the connection built on top. Implementations are a TCP socket
// (optionally upgraded to TLS) or a USB bulk endpoint pair.
type Transport interface {
	ReadExact(buf []byte) error
	WriteExact(buf []byte) error
	Close() error
}

// tlsUpgrader is implemented by transports that can wrap their channel in
// TLS after an STLS exchange.
type tlsUpgrader interface {
	StartTLS(cfg *tls.Config) error
}

// readTimeoutSetter is implemented by transports whose reads can be bounded.
// The handshake bounds every read on the peer's responsiveness; the
// steady-state read loop must be able to sit on an idle connection
// indefinitely, so the bound is lifted once the connection is established.
type readTimeoutSetter interface {
	SetReadTimeout(d time.Duration)
}

// dial exists only for easier mocking.
var dial = func(address string) (net.Conn, error) { return net.Dial("tcp", address) }

type tcpTransport struct {
	conn net.Conn
	// timeout bounds writes and the TLS handshake.
	timeout time.Duration
	// readTimeout bounds reads. Cleared after the connection handshake;
	// per-operation waits are bounded above the transport instead.
	readTimeout time.Duration
}

// DialTCP opens a transport to address ("host:port"). ioTimeout bounds each
// individual write and, until SetReadTimeout lifts it, each read; zero means
// no bound.
func DialTCP(address string, ioTimeout time.Duration) (Transport, error) {
	conn, err := dial(address)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing %s", address)
	}
	return &tcpTransport{conn: conn, timeout: ioTimeout, readTimeout: ioTimeout}, nil
}

func (t *tcpTransport) SetReadTimeout(d time.Duration) {
	t.readTimeout = d
}

func (t *tcpTransport) ReadExact(buf []byte) error {
	if t.readTimeout != 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	} else {
		// Clear any deadline left over from the handshake.
		t.conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(t.conn, buf)
	return errors.Wrap(err, "transport read")
}

func (t *tcpTransport) WriteExact(buf []byte) error {
	if t.timeout != 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	n, err := t.conn.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return errors.Wrap(err, "transport write")
}

func (t *tcpTransport) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Client(t.conn, cfg)
	if t.timeout != 0 {
		tlsConn.SetDeadline(time.Now().Add(t.timeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return errors.Wrap(err, "TLS handshake with device")
	}
	tlsConn.SetDeadline(time.Time{})
	t.conn = tlsConn
	return nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// transportReader and transportWriter adapt a Transport to the io interfaces
// the wire codec consumes. A Read fills the whole buffer, which is exactly
// what io.ReadFull expects.
type transportReader struct{ t Transport }

func (r transportReader) Read(p []byte) (int, error) {
	if err := r.t.ReadExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type transportWriter struct{ t Transport }

func (w transportWriter) Write(p []byte) (int, error) {
	if err := w.t.WriteExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
