package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	adb "github.com/EFForg/adb-client"
)

// ErrRejected is returned when the device refuses the pairing, most likely
// because the code didn't match. It never affects existing sessions.
var ErrRejected = errors.New("pairing rejected by device")

// keyingLabel feeds TLS exported keying material into the confirmation
// secret, binding the pairing to this TLS session.
const keyingLabel = "adb-pairing"

// Session is one short-lived pairing exchange. It is destroyed after the
// peer accepts or rejects.
type Session struct {
	conn   *tls.Conn
	secret []byte
	local  PeerInfo
}

// Pair connects to a device's pairing endpoint (discovered via mDNS or read
// off the device screen), proves knowledge of the pairing code, and leaves
// the key's certificate trusted by the device. name is shown in the device
// UI; the key must be the one used for later connections.
func Pair(ctx context.Context, address, code string, key *adb.DeviceKey, name string) error {
	cert, err := key.Certificate()
	if err != nil {
		return err
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		// The device's certificate is self-signed; trust is established by
		// the pairing code, not a CA.
		InsecureSkipVerify: true,
	}}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrapf(err, "error dialing pairing endpoint %s", address)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	session, err := newSession(conn, code, cert.Certificate[0], name)
	if err != nil {
		return err
	}
	return session.run()
}

func newSession(conn *tls.Conn, code string, certDER []byte, name string) (*Session, error) {
	state := conn.ConnectionState()
	km, err := state.ExportKeyingMaterial(keyingLabel, nil, 64)
	if err != nil {
		return nil, errors.Wrap(err, "error exporting keying material")
	}

	guid := make([]byte, 16)
	if _, err := rand.Read(guid); err != nil {
		return nil, err
	}
	return &Session{
		conn:   conn,
		secret: append(km, code...),
		local:  PeerInfo{Name: name, Certificate: certDER, GUID: guid},
	}, nil
}

// run drives the exchange: peer info both ways, then confirmation MACs
// both ways. Each side proves knowledge of the code by MACing its own peer
// info with the session secret.
func (s *Session) run() error {
	localInfo := s.local.marshal()
	if err := writePacket(s.conn, typePeerInfo, localInfo); err != nil {
		return err
	}
	remoteInfo, err := readPacket(s.conn, typePeerInfo)
	if err != nil {
		return s.rejected(err)
	}
	peer, err := parsePeerInfo(remoteInfo)
	if err != nil {
		return err
	}

	if err := writePacket(s.conn, typeConfirmation, confirm(s.secret, localInfo)); err != nil {
		return err
	}
	remoteConfirm, err := readPacket(s.conn, typeConfirmation)
	if err != nil {
		return s.rejected(err)
	}
	if !hmac.Equal(remoteConfirm, confirm(s.secret, remoteInfo)) {
		return errors.Wrap(ErrRejected, "pairing code mismatch")
	}

	logrus.WithField("peer", peer.Name).Info("adb: paired")
	return nil
}

// rejected maps a torn-down exchange onto ErrRejected: the device hangs up
// when the user cancels or the code check fails.
func (s *Session) rejected(err error) error {
	if errors.Cause(err) == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
		return ErrRejected
	}
	return err
}

func confirm(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
