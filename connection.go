package adb

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/EFForg/adb-client/wire"
)

// Connection is one authenticated session with a device. It owns the
// transport, the negotiated protocol version and max payload size, and the
// set of live logical streams.
//
// A single goroutine owns the transport read side and distributes inbound
// messages to the streams; writes from stream owners are serialized on
// writeMu. Destroying the connection closes every owned stream.
type Connection struct {
	transport Transport
	cfg       Config

	state      ConnectionState
	version    uint32
	maxPayload uint32
	info       DeviceInfo

	// Cleared once the channel is TLS wrapped: confidentiality and integrity
	// come from TLS then, and newer adbd versions zero the checksum field.
	verifySum bool

	writeMu sync.Mutex

	// mu guards streams and nextID only. It is never held across a
	// protocol round-trip.
	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Connect drives the handshake over an open transport and returns the
// established connection. key answers AUTH challenges and may only be nil
// for devices that do not require authentication. The transport is closed
// on handshake failure.
func Connect(transport Transport, key *DeviceKey, cfg Config) (*Connection, error) {
	c := &Connection{
		transport: transport,
		cfg:       cfg.withDefaults(),
		verifySum: true,
		streams:   make(map[uint32]*Stream),
		done:      make(chan struct{}),
	}
	if err := c.handshake(key); err != nil {
		c.state = StateFailed
		transport.Close()
		return nil, err
	}
	// The read loop must be able to sit on an idle connection; blocked
	// operations bound their own waits on cfg.IOTimeout.
	if rt, ok := c.transport.(readTimeoutSetter); ok {
		rt.SetReadTimeout(0)
	}
	go c.readLoop()
	return c, nil
}

func (c *Connection) handshake(key *DeviceKey) error {
	banner := "host::" + c.cfg.BannerName + "\x00"
	err := c.writeMessage(wire.Message{
		Command: wire.CmdConnect,
		Arg0:    wire.ProtocolVersion,
		Arg1:    c.cfg.MaxPayload,
		Payload: []byte(banner),
	})
	if err != nil {
		return err
	}
	c.state = StateSentConnect

	var sigTries int
	var sentPubKey bool
	for {
		msg, err := c.readMessage()
		if err != nil {
			return err
		}

		switch msg.Command {
		case wire.CmdConnect:
			if msg.Arg1 == 0 {
				return errors.New("device advertised a zero max payload")
			}
			c.finishConnect(msg)
			return nil

		case wire.CmdStartTLS:
			if err := c.startTLS(key); err != nil {
				return err
			}

		case wire.CmdAuth:
			if msg.Arg0 != wire.AuthToken {
				return errors.Errorf("device sent AUTH type %d, want token (%d)", msg.Arg0, wire.AuthToken)
			}
			c.state = StateWaitAuth
			if key == nil {
				return errors.Wrap(ErrAuthRejected, "device requires authentication but no key was given")
			}
			if sentPubKey {
				// The public key went out and the answer was yet another
				// challenge: the operator declined, or the key is banned.
				return errors.Wrap(ErrAuthRejected, "public key not accepted")
			}
			if sigTries < c.cfg.AuthTries {
				sig, err := key.Sign(msg.Payload)
				if err != nil {
					return err
				}
				err = c.writeMessage(wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthSignature, Payload: sig})
				if err != nil {
					return err
				}
				sigTries++
				c.state = StateSentSignature
			} else {
				blob, err := key.PublicKeyBlob()
				if err != nil {
					return err
				}
				err = c.writeMessage(wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthRSAPublicKey, Payload: append(blob, 0)})
				if err != nil {
					return err
				}
				sentPubKey = true
				c.state = StateSentPublicKey
				logrus.Info("adb: public key sent, waiting for it to be accepted on the device")
			}

		default:
			return errors.Errorf("unexpected %v during handshake", msg.Command)
		}
	}
}

func (c *Connection) finishConnect(msg wire.Message) {
	c.version = msg.Arg0
	c.maxPayload = c.cfg.MaxPayload
	if msg.Arg1 < c.maxPayload {
		c.maxPayload = msg.Arg1
	}
	c.info = parseBanner(msg.Payload)
	c.state = StateConnected
	logrus.WithFields(logrus.Fields{
		"version":    c.version,
		"maxpayload": c.maxPayload,
		"banner":     c.info.Banner,
	}).Debug("adb: connected")
}

// startTLS answers an STLS request and upgrades the underlying channel.
// The device drops the session instead if it has never seen our certificate.
func (c *Connection) startTLS(key *DeviceKey) error {
	up, ok := c.transport.(tlsUpgrader)
	if !ok {
		return errors.New("device requested TLS on a transport that cannot upgrade")
	}
	if key == nil {
		return errors.Wrap(ErrAuthRejected, "device requested TLS but no key was given")
	}
	if err := c.writeMessage(wire.Message{Command: wire.CmdStartTLS, Arg0: wire.TLSVersion}); err != nil {
		return err
	}
	cert, err := key.Certificate()
	if err != nil {
		return err
	}
	err = up.StartTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// adbd uses a self-signed certificate pinned at pairing time; there
		// is no CA chain to verify against.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	c.verifySum = false
	return nil
}

// Info returns the identity the device announced in its CONNECT banner.
func (c *Connection) Info() DeviceInfo { return c.info }

// MaxPayload returns the negotiated maximum message payload size. It is
// fixed for the lifetime of the connection.
func (c *Connection) MaxPayload() uint32 { return c.maxPayload }

// State returns the handshake state. After Connect returns successfully it
// is StateConnected until the connection dies.
func (c *Connection) State() ConnectionState { return c.state }

// Err returns the error that tore the connection down, if any. Undefined
// until the connection is closed.
func (c *Connection) Err() error { return c.closeErr }

// OpenStream opens a logical stream to a service destination such as
// "shell:ls" or "sync:". It blocks until the device acknowledges or refuses
// the stream, bounded by the configured timeout. The returned stream is
// owned by the caller.
func (c *Connection) OpenStream(destination string) (*Stream, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	c.nextID++
	s := newStream(c, c.nextID)
	c.streams[s.localID] = s
	c.mu.Unlock()

	payload := append([]byte(destination), 0)
	err := c.writeMessage(wire.Message{Command: wire.CmdOpen, Arg0: s.localID, Payload: payload})
	if err != nil {
		c.unregister(s.localID)
		return nil, err
	}

	select {
	case <-s.opened:
		return s, nil
	case <-s.done:
		// Teardown closes every stream's done channel; only report a
		// refusal when the connection itself is still alive.
		select {
		case <-c.done:
			return nil, ErrConnectionClosed
		default:
		}
		return nil, errors.Wrapf(ErrStreamRefused, "OPEN %q", destination)
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-time.After(c.cfg.IOTimeout):
		c.unregister(s.localID)
		return nil, errors.Wrapf(ErrTimeout, "OPEN %q", destination)
	}
}

// Close tears the connection down. Every open stream observes end-of-stream.
func (c *Connection) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		c.transport.Close()

		c.mu.Lock()
		streams := make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.streams = nil
		c.mu.Unlock()

		// No caller may be left blocked in recv or send.
		for _, s := range streams {
			s.closeRemote()
		}
	})
}

func (c *Connection) unregister(localID uint32) {
	c.mu.Lock()
	delete(c.streams, localID)
	c.mu.Unlock()
}

func (c *Connection) lookup(localID uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[localID]
}

// readLoop is the single owner of the transport read side. It dispatches
// inbound messages to streams until the transport dies.
func (c *Connection) readLoop() {
	for {
		msg, err := c.readMessage()
		if err != nil {
			select {
			case <-c.done:
				// Expected: reading a closed transport.
			default:
				logrus.WithError(err).Debug("adb: connection read failed")
			}
			c.teardown(err)
			return
		}
		c.dispatch(msg)
	}
}

// dispatch routes a message by the local stream id the peer put in arg1.
// Messages for unknown ids are discarded: the peer may race a close against
// in-flight writes, and that is not a protocol error.
func (c *Connection) dispatch(msg wire.Message) {
	switch msg.Command {
	case wire.CmdWrite, wire.CmdOkay, wire.CmdClose:
		s := c.lookup(msg.Arg1)
		if s == nil {
			logrus.WithFields(logrus.Fields{"command": msg.Command.String(), "id": msg.Arg1}).
				Trace("adb: discarding message for unknown stream")
			return
		}
		switch msg.Command {
		case wire.CmdWrite:
			s.deliverData(msg.Payload)
		case wire.CmdOkay:
			s.deliverOkay(msg.Arg0)
		case wire.CmdClose:
			c.unregister(s.localID)
			s.closeRemote()
		}

	case wire.CmdOpen:
		// Reverse streams (device-initiated) are not supported; refuse.
		c.writeMessage(wire.Message{Command: wire.CmdClose, Arg1: msg.Arg0})

	default:
		logrus.WithField("command", msg.Command.String()).Trace("adb: ignoring unexpected message")
	}
}

func (c *Connection) readMessage() (wire.Message, error) {
	return wire.ReadMessage(transportReader{c.transport}, wire.MaxPayloadLimit, c.verifySum)
}

func (c *Connection) writeMessage(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(transportWriter{c.transport}, msg)
}
